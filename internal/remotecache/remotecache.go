// Package remotecache implements a read-through HTTP client for a
// shared artifact cache server, so a build can reuse artifacts other
// machines already produced without building them locally (spec.md
// §4.8; server endpoint layout per spec.md §6's "/1.0/artifacts").
package remotecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// LocalCache is the subset of artifactcache.Cache a remote-cache fetch
// writes into; matches internal/scheduler.LocalCache so both packages
// can be satisfied by the same *artifactcache.Cache value without an
// import cycle between them.
type LocalCache interface {
	Put(ctx context.Context, key string, r io.Reader) error
}

// Client is a read-through client against a remote artifact cache
// server, satisfying internal/scheduler's RemoteCache interface.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client talking to the cache server at baseURL (e.g.
// "https://cache.example.com"). A zero-value baseURL client is
// inert: Has always reports false, so callers can pass an always-miss
// Client when no remote cache is configured rather than special-casing
// a nil RemoteCache everywhere.
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{}}
}

// Has reports whether key exists on the remote cache, via HEAD
// /1.0/artifacts/<key>.
func (c *Client) Has(ctx context.Context, key string) (bool, error) {
	if c.baseURL == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.artifactURL(key), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("remote cache returned %s for %s", resp.Status, key)
	}
}

// FetchInto downloads key from the remote cache directly into the
// local cache, so subsequent local lookups for the same key are
// satisfied without another round trip.
func (c *Client) FetchInto(ctx context.Context, key string, local LocalCache) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.artifactURL(key), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote cache returned %s for %s", resp.Status, key)
	}
	return local.Put(ctx, key, resp.Body)
}

// Push uploads a locally built artifact to the remote cache so other
// machines sharing it can reuse this build.
func (c *Client) Push(ctx context.Context, key string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.artifactURL(key), r)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("remote cache rejected push for %s: %s", key, resp.Status)
	}
	return nil
}

func (c *Client) artifactURL(key string) string {
	return fmt.Sprintf("%s/1.0/artifacts/%s", c.baseURL, key)
}

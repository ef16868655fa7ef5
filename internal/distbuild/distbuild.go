// Package distbuild implements the distributed Initiator/Controller
// protocol: an initiator posts a build request to a controller, which
// resolves and schedules the build and streams status back as
// newline-delimited JSON frames, matching the teacher's own
// SolveStatus-to-progrock.StatusUpdate conversion idiom
// (cmd/localdev/progress.go) but carried over plain HTTP instead of a
// buildkit gRPC gateway session (spec.md §4.12, see DESIGN.md for why).
package distbuild

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vito/progrock"

	"github.com/tacgomes/morph-sub000/internal/scheduler"
)

// BuildRequest is what an initiator posts to start a distributed
// build (spec.md §4.12).
type BuildRequest struct {
	RepoURL      string   `json:"repo-url"`
	Commit       string   `json:"commit"`
	Filename     string   `json:"filename"`
	OriginalRef  string   `json:"original-ref"`
	Components   []string `json:"components,omitempty"`
}

// BuildAccepted is the controller's immediate response: a build id
// the initiator can later poll or cancel even after detaching.
type BuildAccepted struct {
	BuildID string `json:"build-id"`
}

// BuildRunner executes one accepted build request, pushing progress
// onto events until the build completes or ctx is cancelled. Supplied
// by cmd/morph, which is the only place source resolution, the
// artifact resolver and the scheduler are wired together.
type BuildRunner func(ctx context.Context, req BuildRequest, events chan<- scheduler.Event) error

// build tracks one in-flight or completed distributed build.
type build struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	mu        sync.Mutex
	listeners []chan *progrock.StatusUpdate
}

// Controller accepts build requests and fans their progress out to
// any number of initiators, including ones that reconnect after the
// original requester detached.
type Controller struct {
	run BuildRunner
	log *logrus.Entry

	mu     sync.Mutex
	builds map[string]*build
}

// NewController returns a Controller that executes accepted requests
// with run.
func NewController(run BuildRunner, log *logrus.Entry) *Controller {
	return &Controller{run: run, log: log, builds: map[string]*build{}}
}

// ServeHTTP implements the controller's two endpoints: POST /1.0/build
// to start a build, and GET /1.0/build/{id}/events to stream its
// progress as newline-delimited JSON progrock.StatusUpdate frames.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/1.0/build":
		c.handleBuild(w, r)
	case r.Method == http.MethodGet && len(r.URL.Path) > len("/1.0/build/"):
		c.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (c *Controller) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	b := &build{id: id, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.builds[id] = b
	c.mu.Unlock()

	events := make(chan scheduler.Event, 64)
	go c.pump(b, events)
	go func() {
		defer close(events)
		defer close(b.done)
		b.err = c.run(ctx, req, events)
		if b.err != nil {
			c.log.WithField("build_id", id).WithError(b.err).Error("distributed build failed")
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(BuildAccepted{BuildID: id})
}

// pump converts scheduler events into progrock status updates and
// broadcasts them to every currently attached listener.
func (c *Controller) pump(b *build, events <-chan scheduler.Event) {
	for ev := range events {
		update := convertEvent(ev)
		b.mu.Lock()
		for _, ch := range b.listeners {
			select {
			case ch <- update:
			default:
			}
		}
		b.mu.Unlock()
	}
}

func convertEvent(ev scheduler.Event) *progrock.StatusUpdate {
	vtx := &progrock.Vertex{
		Id:   ev.Key,
		Name: ev.Artifact,
	}
	switch ev.State {
	case "cached":
		vtx.Cached = true
	case "failed":
		if ev.Err != nil {
			msg := ev.Err.Error()
			vtx.Error = &msg
		}
	}
	return &progrock.StatusUpdate{Vertexes: []*progrock.Vertex{vtx}}
}

func (c *Controller) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/1.0/build/") : len(r.URL.Path)-len("/events")]

	c.mu.Lock()
	b, ok := c.builds[id]
	c.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")

	ch := make(chan *progrock.StatusUpdate, 64)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()

	enc := json.NewEncoder(w)
	for {
		select {
		case update, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(update); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-b.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Cancel requests cancellation of an in-flight build by id.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	b, ok := c.builds[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	b.cancel()
	return true
}

// Initiator is the client half of the protocol: it submits a build
// request to a controller and either streams its progress or detaches
// after recording the build id.
type Initiator struct {
	baseURL string
	client  *http.Client
}

// NewInitiator returns an Initiator talking to the controller at
// baseURL (e.g. "http://localhost:9797").
func NewInitiator(baseURL string) *Initiator {
	return &Initiator{baseURL: baseURL, client: &http.Client{}}
}

// Submit posts req to the controller and returns the assigned build id.
func (i *Initiator) Submit(ctx context.Context, req BuildRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/1.0/build", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("controller rejected build request: %s", resp.Status)
	}

	var accepted BuildAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return "", err
	}
	return accepted.BuildID, nil
}

// Stream attaches to buildID's event stream and invokes onUpdate for
// every frame received, until the stream ends or ctx is cancelled. A
// caller may call this any time after Submit, including after having
// detached and reconnected later.
func (i *Initiator) Stream(ctx context.Context, buildID string, onUpdate func(*progrock.StatusUpdate)) error {
	url := fmt.Sprintf("%s/1.0/build/%s/events", i.baseURL, buildID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s for build %s", resp.Status, buildID)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var update progrock.StatusUpdate
		if err := json.Unmarshal(scanner.Bytes(), &update); err != nil {
			return err
		}
		onUpdate(&update)
	}
	return scanner.Err()
}

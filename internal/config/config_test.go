package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestParseAlias(t *testing.T) {
	cases := []struct {
		title string
		line  string
		want  RepoAlias
		ok    bool
	}{
		{
			title: "well-formed line",
			line:  "baserock=git://git.baserock.org/%s#ssh://git@git.baserock.org/%s",
			want: RepoAlias{
				Prefix:  "baserock",
				PullURL: "git://git.baserock.org/%s",
				PushURL: "ssh://git@git.baserock.org/%s",
			},
			ok: true,
		},
		{
			title: "push pattern with no placeholder",
			line:  "upstream=git://example.com/#ssh://example.com/push/",
			want: RepoAlias{
				Prefix:  "upstream",
				PullURL: "git://example.com/",
				PushURL: "ssh://example.com/push/",
			},
			ok: true,
		},
		{title: "missing equals", line: "baserock#nope", ok: false},
		{title: "missing hash", line: "baserock=git://example.com/%s", ok: false},
		{title: "empty line", line: "", ok: false},
	}

	for _, c := range cases {
		t.Run(c.title, func(t *testing.T) {
			got, ok := ParseAlias(c.line)
			assert.Equal(t, ok, c.ok)
			if !c.ok {
				return
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("ParseAlias(%q) mismatch (-want +got):\n%s", c.line, diff)
			}
		})
	}
}

func TestParseAliasesSkipsMalformed(t *testing.T) {
	lines := []string{
		"baserock=git://git.baserock.org/%s#ssh://git@git.baserock.org/%s",
		"not-an-alias-line",
		"upstream=git://example.com/#ssh://example.com/",
	}
	got := ParseAliases(lines)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, got[0].Prefix, "baserock")
	assert.Equal(t, got[1].Prefix, "upstream")
}

func TestSettingsPullPushURL(t *testing.T) {
	s := Settings{Aliases: ParseAliases([]string{
		"baserock=git://git.baserock.org/%s#ssh://git@git.baserock.org/%s",
		"upstream=git://example.com/#ssh://example.com/push/",
	})}

	cases := []struct {
		title    string
		repo     string
		wantPull string
		wantPush string
	}{
		{
			title:    "alias with placeholder in both patterns",
			repo:     "baserock:baserock/baserock/morphs",
			wantPull: "git://git.baserock.org/baserock/baserock/morphs",
			wantPush: "ssh://git@git.baserock.org/baserock/baserock/morphs",
		},
		{
			title:    "alias with no placeholder appends the name",
			repo:     "upstream:linux",
			wantPull: "git://example.com/linux",
			wantPush: "ssh://example.com/push/linux",
		},
		{
			title:    "unknown prefix passes through unchanged",
			repo:     "nosuchalias:foo",
			wantPull: "nosuchalias:foo",
			wantPush: "nosuchalias:foo",
		},
		{
			title:    "no colon at all passes through unchanged",
			repo:     "plain-repo-name",
			wantPull: "plain-repo-name",
			wantPush: "plain-repo-name",
		},
	}

	for _, c := range cases {
		t.Run(c.title, func(t *testing.T) {
			assert.Equal(t, s.PullURL(c.repo), c.wantPull)
			assert.Equal(t, s.PushURL(c.repo), c.wantPush)
		})
	}
}

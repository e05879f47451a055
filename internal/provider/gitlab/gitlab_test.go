package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCommitServer serves a branch of total commits. Commit N (oldest first)
// has id "commit-N-...".
func newCommitServer(t *testing.T, total int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != "test-token" {
			t.Errorf("missing or incorrect PRIVATE-TOKEN header")
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "/repository/commits"):
			if r.URL.Query().Get("ref_name") != "main" {
				t.Errorf("ref_name = %q, want main", r.URL.Query().Get("ref_name"))
			}
			if r.URL.Query().Get("first_parent") != "true" {
				t.Errorf("first_parent = %q, want true", r.URL.Query().Get("first_parent"))
			}
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			w.Header().Set("X-Total", strconv.Itoa(total))
			if total == 0 || page > total {
				json.NewEncoder(w).Encode([]interface{}{})
				return
			}
			n := total - page + 1
			json.NewEncoder(w).Encode([]map[string]interface{}{{
				"id":            fmt.Sprintf("commit-%d-0123456789abcdef", n),
				"short_id":      fmt.Sprintf("c%d", n),
				"author_name":   "Trond",
				"message":       "Update lexicon",
				"authored_date": "2024-02-03T04:05:06Z",
			}})

		case strings.HasSuffix(r.URL.Path, "/diff"):
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"old_path": "src/a.lexc", "new_path": "src/a.lexc"},
				{"old_path": "src/b.lexc", "new_path": "src/b.lexc", "new_file": true},
				{"old_path": "src/c.lexc", "new_path": "src/c.lexc", "deleted_file": true},
			})

		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// newMergeServer serves main as c-1..c-10 followed by a merge of f-1 and
// f-2, which are dated between c-7 and c-8. Without first_parent the
// listing is by date across both parents, as GitLab returns it.
func newMergeServer(t *testing.T) *httptest.Server {
	t.Helper()
	var chain, all []string
	for i := 1; i <= 10; i++ {
		chain = append(chain, fmt.Sprintf("c-%d", i))
	}
	chain = append(chain, "merge")
	all = append(all, chain[:7]...)
	all = append(all, "f-1", "f-2")
	all = append(all, chain[7:]...)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/repository/commits"):
			listed := all
			if r.URL.Query().Get("first_parent") == "true" {
				listed = chain
			}
			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			w.Header().Set("X-Total", strconv.Itoa(len(listed)))
			if page < 1 || page > len(listed) {
				json.NewEncoder(w).Encode([]interface{}{})
				return
			}
			id := listed[len(listed)-page]
			json.NewEncoder(w).Encode([]map[string]interface{}{{
				"id":       id + "-0123456789abcdef",
				"short_id": id,
				"message":  "commit " + id,
			}})

		case strings.HasSuffix(r.URL.Path, "/diff"):
			json.NewEncoder(w).Encode([]interface{}{})

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGitLabProvider_FollowsFirstParentsAcrossMerge(t *testing.T) {
	p, err := New("lang-sme", "giellalt/lang-sme", "main", "test-token", WithBaseURL(newMergeServer(t).URL))
	require.NoError(t, err)
	ctx := context.Background()

	rev, err := p.LatestRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, rev)

	for want, rev := range map[string]int{"merge": 11, "c-10": 10, "c-8": 8, "c-7": 7} {
		info, err := p.Revision(ctx, rev)
		require.NoError(t, err)
		assert.Equal(t, want, info.ID, "revision %d", rev)
	}
}

func newTestProvider(t *testing.T, server *httptest.Server) *GitLabProvider {
	t.Helper()
	p, err := New("lang-sme", "giellalt/lang-sme", "main", "test-token", WithBaseURL(server.URL))
	require.NoError(t, err)
	return p
}

func TestGitLabProvider_LatestRevision(t *testing.T) {
	p := newTestProvider(t, newCommitServer(t, 17))

	rev, err := p.LatestRevision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, rev)
}

func TestGitLabProvider_LatestRevision_Empty(t *testing.T) {
	p := newTestProvider(t, newCommitServer(t, 0))

	rev, err := p.LatestRevision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rev)
}

func TestGitLabProvider_Revision(t *testing.T) {
	p := newTestProvider(t, newCommitServer(t, 17))

	info, err := p.Revision(context.Background(), 15)
	require.NoError(t, err)

	assert.Equal(t, "lang-sme", info.Repository)
	assert.Equal(t, 15, info.Revision)
	assert.Equal(t, "c15", info.ID)
	assert.Equal(t, "Trond", info.Author)
	assert.Equal(t, "Update lexicon", info.Comment)
	assert.Equal(t, []string{"src/a.lexc"}, info.Modified)
	assert.Equal(t, []string{"src/b.lexc"}, info.Added)
	assert.Equal(t, []string{"src/c.lexc"}, info.Removed)
	require.NotNil(t, info.Timestamp)
}

func TestGitLabProvider_Revision_OutOfRange(t *testing.T) {
	p := newTestProvider(t, newCommitServer(t, 2))

	_, err := p.Revision(context.Background(), 3)
	assert.ErrorIs(t, err, provider.ErrNoSuchRevision)
}

func TestGitLabProvider_WebURL(t *testing.T) {
	p, err := New("x", "giellalt/lang-sme", "", "")
	require.NoError(t, err)

	info := &provider.RevisionInfo{Revision: 1, ID: "abc1234"}
	assert.Equal(t, "https://gitlab.com/giellalt/lang-sme/-/commit/abc1234", p.WebURL(info))
}

func TestNew_InvalidBaseURL(t *testing.T) {
	_, err := New("x", "giellalt/lang-sme", "", "", WithBaseURL("http://%zz"))
	assert.Error(t, err)
}

func TestNew_InvalidProject(t *testing.T) {
	for _, project := range []string{"", "single", "/abs/path"} {
		_, err := New("x", project, "", "")
		assert.Error(t, err, "project %q", project)
	}
}

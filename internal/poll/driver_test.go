package poll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/drewdunne/commitwatch/internal/config"
	"github.com/drewdunne/commitwatch/internal/metrics"
	"github.com/drewdunne/commitwatch/internal/poller"
	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/drewdunne/commitwatch/internal/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	latest    int
	latestErr error
	block     bool
	failing   map[int]bool
	inflight  int32
	overlap   int32
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) enter() func() {
	if atomic.AddInt32(&f.inflight, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	return func() { atomic.AddInt32(&f.inflight, -1) }
}

func (f *fakeProvider) LatestRevision(ctx context.Context) (int, error) {
	defer f.enter()()
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.latestErr
}

func (f *fakeProvider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	defer f.enter()()
	if f.failing[rev] {
		return nil, fmt.Errorf("log r%d: connection reset", rev)
	}
	ts := time.Date(2024, 6, 1, 10, 0, rev, 0, time.UTC)
	return &provider.RevisionInfo{
		Revision:  rev,
		ID:        fmt.Sprint(rev),
		Author:    "tino",
		Comment:   fmt.Sprintf("change %d", rev),
		Modified:  []string{"/trunk/README"},
		Timestamp: &ts,
	}, nil
}

func (f *fakeProvider) WebURL(info *provider.RevisionInfo) string {
	return fmt.Sprintf("https://example.org/r/%d", info.Revision)
}

func (f *fakeProvider) setLatest(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = n
}

// cancellingProvider cancels the cycle's caller right after answering
// LatestRevision and refuses detail queries on a cancelled context.
type cancellingProvider struct {
	fakeProvider
	cancel context.CancelFunc
}

func (c *cancellingProvider) LatestRevision(ctx context.Context) (int, error) {
	latest, err := c.fakeProvider.LatestRevision(ctx)
	c.cancel()
	return latest, err
}

func (c *cancellingProvider) Revision(ctx context.Context, rev int) (*provider.RevisionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeProvider.Revision(ctx, rev)
}

type fakeSource struct {
	order     []string
	providers map[string]provider.Provider
}

func (s *fakeSource) List() []string                    { return s.order }
func (s *fakeSource) Get(name string) provider.Provider { return s.providers[name] }

func sourceOf(pairs ...any) *fakeSource {
	s := &fakeSource{providers: make(map[string]provider.Provider)}
	for i := 0; i < len(pairs); i += 2 {
		name := pairs[i].(string)
		s.order = append(s.order, name)
		s.providers[name] = pairs[i+1].(provider.Provider)
	}
	return s
}

type message struct {
	channel, text string
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []message
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, message{channel, text})
	return nil
}

func (p *recordingPublisher) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		out = append(out, m.text)
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	data    map[string]int
	saveErr error
	saves   int
}

func (s *memStore) Load(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(ctx context.Context, revisions map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.data = revisions
	return nil
}

func (s *memStore) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Channels = []string{"#dev"}
	cfg.Poll.QueryTimeout = time.Second
	return cfg
}

func newDriver(t *testing.T, cfg *config.Config, src Source, st store.Store, pub *recordingPublisher) *Driver {
	t.Helper()
	d := New(cfg, src, st, pub, zaptest.NewLogger(t).Sugar())
	require.NoError(t, d.LoadWatermarks(context.Background()))
	return d
}

func TestRunCycle_ReportsNewRevisionsAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos.db")
	require.NoError(t, os.WriteFile(path, []byte("proj\t41\n"), 0644))

	pub := &recordingPublisher{}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 44}), store.NewFile(path), pub)

	published := d.RunCycle(context.Background())

	assert.True(t, published)
	texts := pub.texts()
	require.Len(t, texts, 3)
	for i, rev := range []int{42, 43, 44} {
		assert.True(t, strings.HasPrefix(texts[i], fmt.Sprintf("proj: tino * %d: ", rev)), texts[i])
		assert.True(t, strings.HasSuffix(texts[i], fmt.Sprintf(" https://example.org/r/%d", rev)), texts[i])
	}
	for _, m := range pub.sent {
		assert.Equal(t, "#dev", m.channel)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "proj\t44\n", string(data))
}

func TestRunCycle_CancelledCallerStillCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &memStore{data: map[string]int{"proj": 41}}
	pub := &recordingPublisher{}
	p := &cancellingProvider{fakeProvider: fakeProvider{latest: 44}, cancel: cancel}
	d := newDriver(t, testConfig(), sourceOf("proj", p), st, pub)

	assert.True(t, d.RunCycle(ctx))
	require.Error(t, ctx.Err())
	assert.Len(t, pub.texts(), 3, "revisions 42 to 44 are reported")
	assert.Equal(t, 44, st.data["proj"])
}

func TestRunCycle_QueryTimeoutSkipsRepository(t *testing.T) {
	cfg := testConfig()
	cfg.Poll.QueryTimeout = 20 * time.Millisecond
	st := &memStore{data: map[string]int{"slow": 41, "fast": 5}}
	pub := &recordingPublisher{}
	src := sourceOf("slow", &fakeProvider{block: true}, "fast", &fakeProvider{latest: 6})
	d := newDriver(t, cfg, src, st, pub)

	var published bool
	assert.NotPanics(t, func() { published = d.RunCycle(context.Background()) })

	assert.True(t, published, "the healthy repository still reports")
	require.Len(t, pub.sent, 1)
	assert.True(t, strings.HasPrefix(pub.sent[0].text, "fast:"))
	assert.Equal(t, 41, d.Watermarks()["slow"])
	assert.Equal(t, 6, d.Watermarks()["fast"])
	assert.Equal(t, 41, st.data["slow"])
}

func TestRunCycle_QueryFailureOnlyRepository(t *testing.T) {
	st := &memStore{data: map[string]int{"proj": 41}}
	pub := &recordingPublisher{}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latestErr: errors.New("svn: E170013")}), st, pub)

	assert.False(t, d.RunCycle(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Equal(t, 41, d.Watermarks()["proj"])
	assert.Zero(t, st.saves)
}

func TestRunCycle_CollapsesLongRuns(t *testing.T) {
	pub := &recordingPublisher{}
	st := &memStore{data: map[string]int{"proj": 10}}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 20}), st, pub)

	d.RunCycle(context.Background())

	texts := pub.texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "* 11:")
	assert.Equal(t, Separator, texts[1])
	assert.Contains(t, texts[2], "* 20:")
	assert.Equal(t, 20, st.data["proj"])
}

func TestRunCycle_FirstPollReportsOnlyLatest(t *testing.T) {
	pub := &recordingPublisher{}
	st := &memStore{}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 900}), st, pub)

	assert.True(t, d.RunCycle(context.Background()))

	texts := pub.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "* 900:")
	assert.Equal(t, 900, st.data["proj"])
}

func TestRunCycle_DetailFailureStillAdvances(t *testing.T) {
	pub := &recordingPublisher{}
	st := &memStore{data: map[string]int{"proj": 41}}
	fake := &fakeProvider{latest: 44, failing: map[int]bool{42: true, 43: true, 44: true}}
	d := newDriver(t, testConfig(), sourceOf("proj", fake), st, pub)

	assert.False(t, d.RunCycle(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Equal(t, 44, st.data["proj"])
}

func TestRunCycle_NothingNew(t *testing.T) {
	pub := &recordingPublisher{}
	st := &memStore{data: map[string]int{"proj": 44}}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 44}), st, pub)

	assert.False(t, d.RunCycle(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Zero(t, st.saves, "unchanged watermarks are not rewritten")
}

func TestRunCycle_WatermarkNeverDecreases(t *testing.T) {
	st := &memStore{data: map[string]int{"proj": 50}}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 44}), st, &recordingPublisher{})

	d.RunCycle(context.Background())
	assert.Equal(t, 50, d.Watermarks()["proj"])
}

func TestRunCycle_PersistFailureRetriedNextCycle(t *testing.T) {
	metrics.Reset()
	st := &memStore{data: map[string]int{"proj": 41}, saveErr: errors.New("disk full")}
	fake := &fakeProvider{latest: 42}
	pub := &recordingPublisher{}
	d := newDriver(t, testConfig(), sourceOf("proj", fake), st, pub)

	assert.True(t, d.RunCycle(context.Background()))
	assert.Equal(t, 42, d.Watermarks()["proj"])
	assert.Equal(t, 41, st.data["proj"])
	assert.Equal(t, uint64(1), metrics.Get().PersistErrors)

	st.mu.Lock()
	st.saveErr = nil
	st.mu.Unlock()

	assert.False(t, d.RunCycle(context.Background()), "nothing is reported twice")
	assert.Len(t, pub.sent, 1)
	assert.Equal(t, 42, st.data["proj"])
}

func TestRunCycle_RepositoryChannels(t *testing.T) {
	cfg := testConfig()
	cfg.Repositories = []config.RepositoryConfig{
		{Name: "proj", URL: "file:///svn/proj", Channels: []string{"#proj", "#proj-dev"}},
	}
	pub := &recordingPublisher{}
	st := &memStore{data: map[string]int{"proj": 1, "other": 1}}
	src := sourceOf("proj", &fakeProvider{latest: 2}, "other", &fakeProvider{latest: 2})
	d := newDriver(t, cfg, src, st, pub)

	d.RunCycle(context.Background())

	var got []string
	for _, m := range pub.sent {
		got = append(got, m.channel+" "+strings.SplitN(m.text, ":", 2)[0])
	}
	assert.Equal(t, []string{"#proj proj", "#proj-dev proj", "#dev other"}, got)
}

func TestRunCycle_PublishFailureDoesNotStopCycle(t *testing.T) {
	metrics.Reset()
	pub := &recordingPublisher{err: errors.New("bridge down")}
	st := &memStore{data: map[string]int{"proj": 41}}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 43}), st, pub)

	d.RunCycle(context.Background())

	assert.Equal(t, uint64(2), metrics.Get().PublishErrors)
	assert.Equal(t, 43, st.data["proj"])
}

func TestRunCycle_Serialized(t *testing.T) {
	fake := &fakeProvider{latest: 1}
	st := &memStore{}
	d := newDriver(t, testConfig(), sourceOf("proj", fake), st, &recordingPublisher{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			fake.setLatest(n + 1)
			d.RunCycle(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&fake.overlap), "provider queried by overlapping cycles")
}

func TestCollapse(t *testing.T) {
	lines := func(n int) []string {
		var out []string
		for i := 1; i <= n; i++ {
			out = append(out, fmt.Sprint(i))
		}
		return out
	}

	assert.Empty(t, Collapse(nil, 3))
	assert.Equal(t, lines(3), Collapse(lines(3), 3))
	for k := 4; k < 50; k++ {
		got := Collapse(lines(k), 3)
		assert.Equal(t, []string{"1", Separator, fmt.Sprint(k)}, got)
	}
}

func TestInfo(t *testing.T) {
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 44}), &memStore{}, &recordingPublisher{})

	line, err := d.Info(context.Background(), "proj", "42")
	require.NoError(t, err)
	assert.Equal(t, "[01 Jun 2024 10:00:42] proj: tino * 42: /trunk/README: change 42 https://example.org/r/42", line)

	_, err = d.Info(context.Background(), "proj", "r43")
	assert.NoError(t, err)
}

func TestInfo_Errors(t *testing.T) {
	fake := &fakeProvider{latest: 44, failing: map[int]bool{7: true}}
	d := newDriver(t, testConfig(), sourceOf("proj", fake), &memStore{}, &recordingPublisher{})
	ctx := context.Background()

	var cfgErr *ConfigError
	_, err := d.Info(ctx, "missing", "1")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "missing", cfgErr.Repository)
	assert.ErrorIs(t, err, ErrNotMonitored)

	for _, rev := range []string{"abc", "0", "-3", ""} {
		_, err = d.Info(ctx, "proj", rev)
		assert.ErrorAs(t, err, &cfgErr, "rev %q", rev)
		assert.ErrorIs(t, err, ErrInvalidRevision, "rev %q", rev)
	}

	var queryErr *poller.QueryError
	_, err = d.Info(ctx, "proj", "7")
	assert.ErrorAs(t, err, &queryErr)
}

func TestRecent(t *testing.T) {
	src := sourceOf(
		"proj", &fakeProvider{latest: 44},
		"broken", &fakeProvider{latestErr: errors.New("unreachable")},
		"empty", &fakeProvider{latest: 0},
		"other", &fakeProvider{latest: 3},
	)
	d := newDriver(t, testConfig(), src, &memStore{}, &recordingPublisher{})

	lines := d.Recent(context.Background())

	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "[01 Jun 2024 10:00:44] proj:"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[01 Jun 2024 10:00:03] other:"), lines[1])
	assert.Empty(t, d.Watermarks(), "recent does not touch watermarks")
}

func TestLoadWatermarks(t *testing.T) {
	st := &memStore{data: map[string]int{"proj": 12, "retired": 99}}
	d := newDriver(t, testConfig(), sourceOf("proj", &fakeProvider{latest: 13}), st, &recordingPublisher{})

	assert.Equal(t, map[string]int{"proj": 12, "retired": 99}, d.Watermarks())

	d.RunCycle(context.Background())
	assert.Equal(t, 99, st.data["retired"], "records of unconfigured repositories are kept")
	assert.Equal(t, []string{"proj"}, d.Repositories())
}

func TestErrors(t *testing.T) {
	err := &PersistenceError{Err: os.ErrPermission}
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), "saving watermarks")

	cfgErr := &ConfigError{Repository: "x", Err: ErrNotMonitored}
	assert.Equal(t, "x: repository not monitored", cfgErr.Error())
}

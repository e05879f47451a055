// Package poll runs poll cycles over every configured repository and
// answers on-demand revision queries.
package poll

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drewdunne/commitwatch/internal/config"
	"github.com/drewdunne/commitwatch/internal/metrics"
	"github.com/drewdunne/commitwatch/internal/notify"
	"github.com/drewdunne/commitwatch/internal/poller"
	"github.com/drewdunne/commitwatch/internal/provider"
	"github.com/drewdunne/commitwatch/internal/report"
	"github.com/drewdunne/commitwatch/internal/store"
)

// Separator replaces the middle of a collapsed report.
const Separator = "..."

// Source lists the configured repositories and their providers.
type Source interface {
	List() []string
	Get(name string) provider.Provider
}

// Driver owns the watermark map and serializes every cycle.
type Driver struct {
	mu         sync.Mutex
	watermarks map[string]int
	dirty      bool // watermarks differ from the store

	cfg       *config.Config
	pollers   []*poller.Poller
	byName    map[string]*poller.Poller
	store     store.Store
	publisher notify.Publisher
	formatter *report.Formatter
	log       *zap.SugaredLogger
}

// New creates a driver for every repository in src.
func New(cfg *config.Config, src Source, st store.Store, pub notify.Publisher, log *zap.SugaredLogger) *Driver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Driver{
		watermarks: make(map[string]int),
		cfg:        cfg,
		byName:     make(map[string]*poller.Poller),
		store:      st,
		publisher:  pub,
		formatter:  report.New(cfg.Poll.MaxLineLength),
		log:        log,
	}
	for _, name := range src.List() {
		p := poller.New(name, src.Get(name), cfg.Poll.QueryTimeout)
		d.pollers = append(d.pollers, p)
		d.byName[name] = p
	}
	return d
}

// Repositories returns the polled repository names in order.
func (d *Driver) Repositories() []string {
	names := make([]string, len(d.pollers))
	for i, p := range d.pollers {
		names[i] = p.Repository()
	}
	return names
}

// LoadWatermarks replaces the in-memory watermarks with the stored ones.
func (d *Driver) LoadWatermarks(ctx context.Context) error {
	revisions, err := d.store.Load(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.watermarks = revisions
	d.log.Infow("loaded watermarks", "repositories", len(revisions))
	return nil
}

// Watermarks returns a copy of the in-memory watermarks.
func (d *Driver) Watermarks() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.watermarks)
}

// RunCycle polls every repository once and reports whether anything was published.
// One repository failing never stops the others. Cancelling ctx does not
// interrupt a cycle that has started; each query is still bounded by the
// configured query timeout.
func (d *Driver) RunCycle(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)

	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.log.With("cycle", uuid.NewString())
	log.Debugw("poll cycle started", "repositories", len(d.pollers))

	published := false
	for _, p := range d.pollers {
		if d.pollRepository(ctx, log, p) {
			published = true
		}
	}

	metrics.CycleRun()
	log.Infow("poll cycle finished", "published", published)
	return published
}

func (d *Driver) pollRepository(ctx context.Context, log *zap.SugaredLogger, p *poller.Poller) bool {
	repo := p.Repository()
	last, known := d.watermarks[repo]
	log = log.With("repository", repo)

	latest, err := p.FetchLatest(ctx)
	if err != nil {
		log.Warnw("skipping repository", "error", err)
		return false
	}

	var lines []string
	for info, err := range p.NewRevisions(ctx, last, latest) {
		if err != nil {
			log.Warnw("skipping revision", "error", err)
			continue
		}
		lines = append(lines, d.formatter.Line(info, false, p.Provider().WebURL(info)))
		metrics.RevisionReported()
	}

	published := d.publish(ctx, log, repo, Collapse(lines, d.cfg.Poll.CollapseThreshold))

	if !known || latest > last {
		d.watermarks[repo] = max(last, latest)
		d.dirty = true
	}
	if err := d.persist(ctx); err != nil {
		log.Errorw("watermark not persisted", "error", err)
	}
	return published
}

func (d *Driver) publish(ctx context.Context, log *zap.SugaredLogger, repo string, lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	channels := d.cfg.ChannelsFor(repo)
	if len(channels) == 0 {
		log.Warnw("no channels configured, dropping report", "lines", len(lines))
		return false
	}

	for _, line := range lines {
		for _, ch := range channels {
			if err := d.publisher.Publish(ctx, ch, line); err != nil {
				metrics.PublishError()
				log.Warnw("publish failed", "channel", ch, "error", err)
				continue
			}
			metrics.MessagePublished()
		}
	}
	return true
}

// persist saves the watermarks when they changed since the last successful save.
func (d *Driver) persist(ctx context.Context) error {
	if !d.dirty {
		return nil
	}
	if err := d.store.Save(ctx, maps.Clone(d.watermarks)); err != nil {
		metrics.PersistError()
		return &PersistenceError{Err: err}
	}
	d.dirty = false
	return nil
}

// Collapse shortens lists longer than threshold to first, Separator, last.
func Collapse(lines []string, threshold int) []string {
	if threshold < 2 {
		threshold = 2
	}
	if len(lines) <= threshold {
		return lines
	}
	return []string{lines[0], Separator, lines[len(lines)-1]}
}

// Recent returns the newest revision of every repository, dated. Repositories
// that cannot be queried are logged and left out.
func (d *Driver) Recent(ctx context.Context) []string {
	var lines []string
	for _, p := range d.pollers {
		latest, err := p.FetchLatest(ctx)
		if err != nil {
			d.log.Warnw("recent: skipping repository", "repository", p.Repository(), "error", err)
			continue
		}
		if latest == 0 {
			continue
		}
		info, err := p.FetchDetail(ctx, latest)
		if err != nil {
			d.log.Warnw("recent: skipping revision", "repository", p.Repository(), "error", err)
			continue
		}
		lines = append(lines, d.formatter.Line(info, true, p.Provider().WebURL(info)))
	}
	return lines
}

// Info formats one revision of repo. An unknown repository or a malformed
// revision is a *ConfigError; a failed query is a *poller.QueryError.
func (d *Driver) Info(ctx context.Context, repo, rev string) (string, error) {
	p, ok := d.byName[repo]
	if !ok {
		return "", &ConfigError{Repository: repo, Err: ErrNotMonitored}
	}

	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(rev), "r"))
	if err != nil || n < 1 {
		return "", &ConfigError{Repository: repo, Err: fmt.Errorf("%w %q", ErrInvalidRevision, rev)}
	}

	info, err := p.FetchDetail(ctx, n)
	if err != nil {
		return "", err
	}
	return d.formatter.Line(info, true, p.Provider().WebURL(info)), nil
}

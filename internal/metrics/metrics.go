package metrics

import (
	"sync/atomic"
)

// Metrics tracks operational metrics.
type Metrics struct {
	CyclesRun          uint64 `json:"cycles_run"`
	QueryErrors        uint64 `json:"query_errors"`
	RevisionsReported  uint64 `json:"revisions_reported"`
	MessagesPublished  uint64 `json:"messages_published"`
	PublishErrors      uint64 `json:"publish_errors"`
	PersistErrors      uint64 `json:"persist_errors"`
	CommandsHandled    uint64 `json:"commands_handled"`
	MalformedStoreRows uint64 `json:"malformed_store_rows"`
}

var global = &Metrics{}

// CycleRun increments the count of completed poll cycles.
func CycleRun() { atomic.AddUint64(&global.CyclesRun, 1) }

// QueryError increments the count of failed VCS queries.
func QueryError() { atomic.AddUint64(&global.QueryErrors, 1) }

// RevisionReported increments the count of revisions turned into report lines.
func RevisionReported() { atomic.AddUint64(&global.RevisionsReported, 1) }

// MessagePublished increments the count of lines delivered to a channel.
func MessagePublished() { atomic.AddUint64(&global.MessagesPublished, 1) }

// PublishError increments the count of failed deliveries.
func PublishError() { atomic.AddUint64(&global.PublishErrors, 1) }

// PersistError increments the count of failed store saves.
func PersistError() { atomic.AddUint64(&global.PersistErrors, 1) }

// CommandHandled increments the count of on-demand commands answered.
func CommandHandled() { atomic.AddUint64(&global.CommandsHandled, 1) }

// MalformedStoreRow increments the count of store lines skipped on load.
func MalformedStoreRow() { atomic.AddUint64(&global.MalformedStoreRows, 1) }

// Get returns a snapshot of the current metrics.
func Get() Metrics {
	return Metrics{
		CyclesRun:          atomic.LoadUint64(&global.CyclesRun),
		QueryErrors:        atomic.LoadUint64(&global.QueryErrors),
		RevisionsReported:  atomic.LoadUint64(&global.RevisionsReported),
		MessagesPublished:  atomic.LoadUint64(&global.MessagesPublished),
		PublishErrors:      atomic.LoadUint64(&global.PublishErrors),
		PersistErrors:      atomic.LoadUint64(&global.PersistErrors),
		CommandsHandled:    atomic.LoadUint64(&global.CommandsHandled),
		MalformedStoreRows: atomic.LoadUint64(&global.MalformedStoreRows),
	}
}

// Reset resets all metrics to zero (useful for testing).
func Reset() {
	atomic.StoreUint64(&global.CyclesRun, 0)
	atomic.StoreUint64(&global.QueryErrors, 0)
	atomic.StoreUint64(&global.RevisionsReported, 0)
	atomic.StoreUint64(&global.MessagesPublished, 0)
	atomic.StoreUint64(&global.PublishErrors, 0)
	atomic.StoreUint64(&global.PersistErrors, 0)
	atomic.StoreUint64(&global.CommandsHandled, 0)
	atomic.StoreUint64(&global.MalformedStoreRows, 0)
}

// Package audit writes the append-only execution log and manages its
// retention. Writes are best-effort by design: a failed or dropped audit
// record is logged and never fails the invocation that produced it.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/store"
)

// Writer queues execution records and persists them off the request path.
type Writer struct {
	store  store.Store
	ch     chan *models.ExecutionRecord
	wg     sync.WaitGroup
	once   sync.Once
	log    zerolog.Logger
}

// NewWriter starts a writer draining into the store. buffer bounds how many
// records may be in flight before Record starts dropping.
func NewWriter(st store.Store, buffer int, log zerolog.Logger) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	w := &Writer{
		store: st,
		ch:    make(chan *models.ExecutionRecord, buffer),
		log:   log.With().Str("component", "audit").Logger(),
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// Record enqueues one execution record. Never blocks: if the queue is full
// the record is dropped and the drop is logged.
func (w *Writer) Record(rec *models.ExecutionRecord) {
	select {
	case w.ch <- rec:
	default:
		w.log.Warn().Str("rule_code", rec.RuleCode).Msg("audit queue full, record dropped")
	}
}

// Close stops accepting records and waits for the queue to flush.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.ch)
	})
	w.wg.Wait()
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for rec := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.AppendExecution(ctx, rec)
		cancel()
		if err != nil {
			w.log.Error().Str("rule_code", rec.RuleCode).Err(err).Msg("audit write failed")
		}
	}
}

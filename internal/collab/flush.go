package collab

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reasons a flush is requested.
const (
	ReasonEvicted  = "evicted"
	ReasonInterval = "interval"
	ReasonShutdown = "shutdown"
)

// FlushRequest carries a flattened copy of a live replica to the document
// service. Text and Snapshot are taken on the processing loop and never
// shared with it afterwards.
type FlushRequest struct {
	DocumentID  string
	Text        string
	Snapshot    []byte
	UpdateCount int
	Actor       UserInfo
	Reason      string
}

// Flusher saves a replica back to durable storage.
type Flusher interface {
	Flush(ctx context.Context, req FlushRequest) error
}

// FlusherFunc adapts a function to Flusher.
type FlusherFunc func(ctx context.Context, req FlushRequest) error

func (f FlusherFunc) Flush(ctx context.Context, req FlushRequest) error {
	return f(ctx, req)
}

// flushQueue runs save-backs off the processing loop. Requests for the same
// document coalesce: the newest snapshot wins and update counts add up.
type flushQueue struct {
	flusher Flusher
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]FlushRequest
	order   []string

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newFlushQueue(flusher Flusher, timeout time.Duration, logger zerolog.Logger) *flushQueue {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &flushQueue{
		flusher: flusher,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]FlushRequest),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *flushQueue) push(req FlushRequest) {
	q.mu.Lock()
	if prev, ok := q.pending[req.DocumentID]; ok {
		req.UpdateCount += prev.UpdateCount
	} else {
		q.order = append(q.order, req.DocumentID)
	}
	q.pending[req.DocumentID] = req
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *flushQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.wake:
			q.flushPending()
		case <-q.quit:
			q.flushPending()
			return
		}
	}
}

// stop flushes whatever is queued and waits for the worker to exit.
func (q *flushQueue) stop() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}

func (q *flushQueue) take() []FlushRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FlushRequest, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.pending[id])
	}
	q.pending = make(map[string]FlushRequest)
	q.order = nil
	return out
}

func (q *flushQueue) flushPending() {
	for _, req := range q.take() {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := q.flusher.Flush(ctx, req)
		cancel()
		if err != nil {
			q.logger.Error().Err(err).
				Str("document_id", req.DocumentID).
				Str("reason", req.Reason).
				Msg("save-back failed")
			continue
		}
		q.logger.Debug().
			Str("document_id", req.DocumentID).
			Str("reason", req.Reason).
			Int("updates", req.UpdateCount).
			Msg("save-back done")
	}
}

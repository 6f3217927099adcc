// Package queue is the governed outbound lane: a bounded FIFO drained by a
// single pump goroutine, with head-of-line blocking on the governor, pacing,
// and bounded retry.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/store"
	"github.com/nextlevelbuilder/relaydesk/internal/tracing"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// DoneFunc receives the send outcome once the pump has finished with an
// item, after retries. Called from the pump goroutine.
type DoneFunc func(res transport.SendResult, err error)

// Item is one pending send.
type Item struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	Payload     transport.Payload `json:"payload"`
	Options     transport.Options `json:"options"`
	EnqueuedAt  int64             `json:"enqueued_at"` // unix ms
	Bypass      bool              `json:"bypass,omitempty"`
	Weight      int               `json:"weight,omitempty"`

	done DoneFunc
	// withdrawn marks an item whose waiter gave up: a pending item is removed
	// outright, an in-flight one finishes its current attempt but never
	// retries. Guarded by the queue mutex.
	withdrawn bool
}

// Config tunes the queue.
type Config struct {
	MaxSize      int
	DedupWindow  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration // first retry delay, doubled per attempt
	RetryMax     time.Duration // backoff ceiling
	SendTimeout  time.Duration
	PacePerSec   float64 // inter-item pacing, sends per second
	KV           store.KV
}

const kvNamespace = "queue"

// ErrQueueFull reports backpressure: the bounded list rejected the item.
var ErrQueueFull = errors.New("queue full")

// Queue owns the pending list. Enqueue never blocks; the pump is the only
// dequeuer.
type Queue struct {
	mu       sync.Mutex
	items    []*Item
	recent   map[string]time.Time // dedup key -> enqueue time
	cfg      Config
	gov      *governor.Governor
	tr       transport.Transport
	limiter  *rate.Limiter
	wake     chan struct{}
	stop     chan struct{}
	stopCtx  context.Context
	stopFunc context.CancelFunc
	stopped  chan struct{}
	inflight *Item
	now      func() time.Time

	onDrop func(it *Item, err error)
}

func New(cfg Config, gov *governor.Governor, tr transport.Transport) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 256
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.PacePerSec <= 0 {
		cfg.PacePerSec = 1.0
	}
	stopCtx, stopFunc := context.WithCancel(context.Background())
	q := &Queue{
		recent:   make(map[string]time.Time),
		cfg:      cfg,
		gov:      gov,
		tr:       tr,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PacePerSec), 1),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopCtx:  stopCtx,
		stopFunc: stopFunc,
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
	q.restore()
	return q
}

// SetNow overrides the clock. Test hook; affects dedup and timestamps only.
func (q *Queue) SetNow(now func() time.Time) { q.now = now }

// OnDrop installs a callback invoked when an item is dropped after
// exhausting retries. Used for ops alerting.
func (q *Queue) OnDrop(fn func(it *Item, err error)) { q.onDrop = fn }

// Enqueue appends a send. Returns false when the queue is full. A payload
// identical to one enqueued for the same destination within the dedup window
// reports true without enqueueing.
func (q *Queue) Enqueue(destination string, payload transport.Payload, opts transport.Options, done DoneFunc) bool {
	_, ok := q.enqueue(destination, payload, opts, done)
	return ok
}

// enqueue appends a send and returns the item handle. A deduplicated payload
// returns (nil, true) after invoking done with success.
func (q *Queue) enqueue(destination string, payload transport.Payload, opts transport.Options, done DoneFunc) (*Item, bool) {
	q.mu.Lock()

	now := q.now()
	key := dedupKey(destination, payload)
	if at, ok := q.recent[key]; ok && now.Sub(at) < q.cfg.DedupWindow {
		q.mu.Unlock()
		// Upstream re-delivery of the same event: treat as delivered.
		if done != nil {
			done(transport.SendResult{}, nil)
		}
		return nil, true
	}

	if len(q.items) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, false
	}

	for k, at := range q.recent {
		if now.Sub(at) >= q.cfg.DedupWindow {
			delete(q.recent, k)
		}
	}
	q.recent[key] = now

	it := &Item{
		ID:          uuid.NewString(),
		Destination: destination,
		Payload:     payload,
		Options:     opts,
		EnqueuedAt:  now.UnixMilli(),
		Bypass:      opts.Bypass,
		done:        done,
	}
	q.items = append(q.items, it)
	q.persist()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return it, true
}

// EnqueueWait enqueues and blocks until the pump finishes with the item.
// Used by the media pipeline to drive its fallback chain off real outcomes.
// On context expiry the item is withdrawn: a still-pending item is removed
// and never sent; an in-flight one finishes its current attempt without
// retries and its real outcome is returned, so the caller can never run a
// fallback on top of a send that still lands.
func (q *Queue) EnqueueWait(ctx context.Context, destination string, payload transport.Payload, opts transport.Options) (transport.SendResult, error) {
	type outcome struct {
		res transport.SendResult
		err error
	}
	ch := make(chan outcome, 1)
	it, ok := q.enqueue(destination, payload, opts, func(res transport.SendResult, err error) {
		ch <- outcome{res, err}
	})
	if !ok {
		return transport.SendResult{}, ErrQueueFull
	}
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		if it != nil && q.withdraw(it) {
			return transport.SendResult{}, ctx.Err()
		}
		// Already in flight or settled: wait for the outcome. Bounded by the
		// in-flight attempt's send timeout since withdrawal stops retries.
		o := <-ch
		return o.res, o.err
	}
}

// withdraw removes a pending item before the pump picks it up. Returns true
// when the item was removed and will never be sent; false when it is already
// in flight (marked to skip further retries) or has settled.
func (q *Queue) withdraw(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it.withdrawn = true
	if q.inflight == it {
		return false
	}
	for idx, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.persist()
			return true
		}
	}
	return false
}

// Depth returns the number of pending items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the pump. Stop with Stop.
func (q *Queue) Start() {
	go q.pump()
}

// Stop halts the pump after the in-flight item, if any, settles.
func (q *Queue) Stop() {
	q.stopFunc()
	close(q.stop)
	<-q.stopped
}

// pump drains the head item at a time: governor check, paced send, dequeue
// and commit only on success. Strict head-of-line order; a blocked head
// blocks everything behind it.
func (q *Queue) pump() {
	defer close(q.stopped)
	for {
		it := q.head()
		if it == nil {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}

		if !it.Bypass {
			d := q.gov.Check(it.Destination, itemWeight(it))
			if !d.OK {
				wait := d.Wait
				if wait <= 0 {
					wait = 30 * time.Second
				}
				slog.Debug("send held by governor",
					"destination", it.Destination, "reason", d.Reason, "wait", wait)
				select {
				case <-time.After(wait):
					continue
				case <-q.stop:
					return
				}
			}
		}

		if err := q.limiter.Wait(q.stopCtx); err != nil {
			return
		}

		// The waiter may have withdrawn the item while we sat on the governor
		// or the pacer; a withdrawn item is already off the list.
		q.mu.Lock()
		if it.withdrawn {
			q.mu.Unlock()
			continue
		}
		q.inflight = it
		q.mu.Unlock()

		_, span := tracing.StartDispatch(q.stopCtx, it.Destination)
		res, err := q.sendWithRetry(it)
		span.End()
		if err != nil {
			slog.Error("send dropped after retries",
				"destination", it.Destination, "item", it.ID, "error", err)
			if q.onDrop != nil {
				q.onDrop(it, err)
			}
		} else if !it.Bypass {
			q.gov.Commit(it.Destination, itemWeight(it))
		}
		q.dequeue(it)
		if it.done != nil {
			it.done(res, err)
		}

		select {
		case <-q.stop:
			return
		default:
		}
	}
}

func (q *Queue) sendWithRetry(it *Item) (transport.SendResult, error) {
	var lastErr error
	backoff := q.cfg.RetryBackoff
	for attempt := 0; attempt <= q.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			q.mu.Lock()
			gone := it.withdrawn
			q.mu.Unlock()
			if gone {
				return transport.SendResult{}, lastErr
			}
			select {
			case <-time.After(backoff):
			case <-q.stop:
				return transport.SendResult{}, lastErr
			}
			backoff *= 2
			if backoff > q.cfg.RetryMax {
				backoff = q.cfg.RetryMax
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SendTimeout)
		var res transport.SendResult
		var err error
		if it.Payload.Forward != nil {
			res, err = q.tr.Forward(ctx, it.Payload.Forward, it.Destination)
		} else {
			res, err = q.tr.Send(ctx, it.Destination, it.Payload, it.Options)
		}
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		slog.Warn("send attempt failed",
			"destination", it.Destination, "attempt", attempt+1, "error", err)
	}
	return transport.SendResult{}, lastErr
}

func (q *Queue) head() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) dequeue(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = nil
	if len(q.items) > 0 && q.items[0] == it {
		q.items = q.items[1:]
	}
	q.persist()
}

func itemWeight(it *Item) int {
	if it.Weight > 0 {
		return it.Weight
	}
	return 1
}

func dedupKey(destination string, p transport.Payload) string {
	h := sha256.New()
	h.Write([]byte(destination))
	h.Write([]byte{0})
	h.Write([]byte(p.Text))
	if p.Media != nil {
		h.Write([]byte{1})
		h.Write([]byte(p.Media.FilePath))
		h.Write([]byte(p.Media.Caption))
	}
	if p.Forward != nil {
		h.Write([]byte{2})
		h.Write([]byte(p.Forward.SourceChat))
		h.Write([]byte(p.Forward.SourceMsgID))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// persist snapshots pending items so a crash does not lose queued sends.
// Done callbacks do not survive a restart; restored items send fire-and-
// forget. Caller holds the lock.
func (q *Queue) persist() {
	if q.cfg.KV == nil {
		return
	}
	if err := q.cfg.KV.Set(context.Background(), kvNamespace, "pending", q.items); err != nil {
		slog.Warn("queue snapshot failed", "error", err)
	}
}

func (q *Queue) restore() {
	if q.cfg.KV == nil {
		return
	}
	var saved []*Item
	if _, err := q.cfg.KV.Get(context.Background(), kvNamespace, "pending", &saved); err != nil {
		slog.Warn("queue restore failed", "error", err)
		return
	}
	if len(saved) > q.cfg.MaxSize {
		saved = saved[:q.cfg.MaxSize]
	}
	q.items = saved
}


package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// fakeTransport records sends and fails the first failN calls. A non-zero
// delay makes every send slow.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []string // "dest:text"
	failN int
	calls int
	delay time.Duration
}

func (f *fakeTransport) Name() string              { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) Send(_ context.Context, dest string, p transport.Payload, _ transport.Options) (transport.SendResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return transport.SendResult{}, errors.New("transport down")
	}
	f.sent = append(f.sent, dest+":"+p.Text)
	return transport.SendResult{MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
}

func (f *fakeTransport) Download(context.Context, *bus.MediaRef) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeTransport) Forward(context.Context, *bus.MediaRef, string) (transport.SendResult, error) {
	return transport.SendResult{}, errors.New("not implemented")
}

func (f *fakeTransport) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		MaxSize:      8,
		DedupWindow:  5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Millisecond,
		SendTimeout:  time.Second,
		PacePerSec:   1000,
	}
}

func TestEnqueueBackpressure(t *testing.T) {
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), &fakeTransport{})

	for i := 0; i < 8; i++ {
		if !q.Enqueue(fmt.Sprintf("c%d", i), transport.Payload{Text: fmt.Sprintf("msg %d", i)}, transport.Options{}, nil) {
			t.Fatalf("enqueue %d rejected below capacity", i)
		}
	}
	if q.Enqueue("c9", transport.Payload{Text: "overflow"}, transport.Options{}, nil) {
		t.Error("enqueue accepted past capacity")
	}
	if q.Depth() != 8 {
		t.Errorf("depth = %d, want 8", q.Depth())
	}
}

func TestPumpDrainsFIFO(t *testing.T) {
	tr := &fakeTransport{}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		q.Enqueue("c1", transport.Payload{Text: fmt.Sprintf("msg %d", i)}, transport.Options{},
			func(transport.SendResult, error) { wg.Done() })
	}

	q.Start()
	defer q.Stop()
	wg.Wait()

	sent := tr.sentCopy()
	for i, want := range []string{"c1:msg 0", "c1:msg 1", "c1:msg 2", "c1:msg 3", "c1:msg 4"} {
		if sent[i] != want {
			t.Fatalf("send order broken: sent[%d] = %q, want %q", i, sent[i], want)
		}
	}
}

func TestDedupWindowReportsDelivered(t *testing.T) {
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), &fakeTransport{})

	p := transport.Payload{Text: "hello"}
	if !q.Enqueue("c1", p, transport.Options{}, nil) {
		t.Fatal("first enqueue rejected")
	}

	called := false
	ok := q.Enqueue("c1", p, transport.Options{}, func(res transport.SendResult, err error) {
		called = true
		if err != nil {
			t.Errorf("duplicate reported error: %v", err)
		}
	})
	if !ok {
		t.Error("duplicate within window rejected, want reported-as-delivered")
	}
	if !called {
		t.Error("done callback not invoked for absorbed duplicate")
	}
	if q.Depth() != 1 {
		t.Errorf("depth = %d, want 1 (duplicate not enqueued)", q.Depth())
	}

	// Same text to another destination is not a duplicate.
	if !q.Enqueue("c2", p, transport.Options{}, nil) {
		t.Error("same payload to different destination rejected")
	}
	if q.Depth() != 2 {
		t.Errorf("depth = %d, want 2", q.Depth())
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failN: 2}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)

	done := make(chan error, 1)
	q.Enqueue("c1", transport.Payload{Text: "flaky"}, transport.Options{},
		func(_ transport.SendResult, err error) { done <- err })

	q.Start()
	defer q.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send failed despite retries: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for send")
	}
	if got := tr.sentCopy(); len(got) != 1 {
		t.Errorf("sent %d messages, want exactly 1", len(got))
	}
}

func TestDropsAfterRetriesExhausted(t *testing.T) {
	tr := &fakeTransport{failN: 100}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)

	dropped := make(chan error, 1)
	q.OnDrop(func(_ *Item, err error) { dropped <- err })

	done := make(chan error, 1)
	q.Enqueue("c1", transport.Payload{Text: "doomed"}, transport.Options{},
		func(_ transport.SendResult, err error) { done <- err })

	q.Start()
	defer q.Stop()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("done reported success for a dropped item")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for drop")
	}
	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Error("drop callback not invoked")
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d, dropped item still queued", q.Depth())
	}
}

func TestCommitOnlyOnSuccess(t *testing.T) {
	gov := governor.New(governor.Limits{DailyMaxPerChat: 5}, nil)
	tr := &fakeTransport{failN: 100}
	q := New(fastConfig(), gov, tr)

	done := make(chan error, 1)
	q.Enqueue("c1", transport.Payload{Text: "doomed"}, transport.Options{},
		func(_ transport.SendResult, err error) { done <- err })

	q.Start()
	defer q.Stop()
	<-done

	if n := gov.Snapshot().GlobalSent; n != 0 {
		t.Errorf("governor committed %d sends for a failed delivery", n)
	}
}

func TestEnqueueWaitWithdrawsPendingOnTimeout(t *testing.T) {
	tr := &fakeTransport{}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)
	// Pump not started: the item stays pending until the waiter gives up.

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.EnqueueWait(ctx, "c1", transport.Payload{Text: "stale"}, transport.Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, withdrawn item still queued", q.Depth())
	}

	// Once the pump runs, the withdrawn item must never be sent.
	q.Start()
	defer q.Stop()
	if _, err := q.EnqueueWait(context.Background(), "c1", transport.Payload{Text: "fresh"}, transport.Options{}); err != nil {
		t.Fatal(err)
	}
	sent := tr.sentCopy()
	if len(sent) != 1 || sent[0] != "c1:fresh" {
		t.Errorf("sent = %v, want only the fresh item", sent)
	}
}

func TestEnqueueWaitLateSuccessIsNotLost(t *testing.T) {
	tr := &fakeTransport{delay: 150 * time.Millisecond}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)
	q.Start()
	defer q.Stop()

	// The send outlives the waiter's deadline but still lands. The waiter
	// must learn about the real delivery, not a timeout, or a caller-side
	// fallback would deliver the payload twice.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := q.EnqueueWait(ctx, "c1", transport.Payload{Text: "slow"}, transport.Options{})
	if err != nil {
		t.Fatalf("late success reported as failure: %v", err)
	}
	if res.MessageID == "" {
		t.Error("no message id from confirmed send")
	}
	if got := tr.sentCopy(); len(got) != 1 {
		t.Errorf("sent %d messages, want exactly 1", len(got))
	}
}

func TestBypassSkipsGovernor(t *testing.T) {
	// Window far away from the frozen clock: every governed send is blocked.
	gov := governor.New(governor.Limits{
		Windows: []governor.Window{{Start: 10 * 60, End: 11 * 60}},
	}, nil)
	gov.SetNow(func() time.Time {
		return time.Date(2025, 1, 10, 3, 0, 0, 0, time.Local)
	})
	tr := &fakeTransport{}
	q := New(fastConfig(), gov, tr)
	q.Start()
	defer q.Stop()

	res, err := q.EnqueueWait(context.Background(), "staff", transport.Payload{Text: "usage hint"},
		transport.Options{Bypass: true})
	if err != nil {
		t.Fatalf("bypass send blocked: %v", err)
	}
	if res.MessageID == "" {
		t.Error("no message id from bypass send")
	}
	if n := gov.Snapshot().GlobalSent; n != 0 {
		t.Errorf("bypass send consumed governor quota: GlobalSent = %d", n)
	}
}

func TestEnqueueWait(t *testing.T) {
	tr := &fakeTransport{}
	q := New(fastConfig(), governor.New(governor.Limits{}, nil), tr)
	q.Start()
	defer q.Stop()

	res, err := q.EnqueueWait(context.Background(), "c1", transport.Payload{Text: "hi"}, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID == "" {
		t.Error("no message id from confirmed send")
	}
}

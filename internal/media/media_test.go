package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/bus"
	"github.com/nextlevelbuilder/relaydesk/internal/governor"
	"github.com/nextlevelbuilder/relaydesk/internal/queue"
	"github.com/nextlevelbuilder/relaydesk/internal/transport"
)

// fakeTransport scripts send/download/forward outcomes and records the
// payloads that reached it.
type fakeTransport struct {
	mu           sync.Mutex
	failForward  bool
	failDownload bool
	failSend     bool
	forwardDelay time.Duration
	tmpDir       string

	forwards []*bus.MediaRef
	uploads  []*transport.MediaUpload
	texts    []string
}

func (f *fakeTransport) Name() string                { return "fake" }
func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) Send(_ context.Context, _ string, p transport.Payload, _ transport.Options) (transport.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Media != nil {
		if f.failSend {
			return transport.SendResult{}, errors.New("upload rejected")
		}
		f.uploads = append(f.uploads, p.Media)
		return transport.SendResult{MessageID: "up-1"}, nil
	}
	f.texts = append(f.texts, p.Text)
	return transport.SendResult{MessageID: "txt-1"}, nil
}

func (f *fakeTransport) Download(_ context.Context, _ *bus.MediaRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDownload {
		return "", errors.New("download failed")
	}
	path := filepath.Join(f.tmpDir, "blob")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeTransport) Forward(_ context.Context, src *bus.MediaRef, _ string) (transport.SendResult, error) {
	if f.forwardDelay > 0 {
		time.Sleep(f.forwardDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failForward {
		return transport.SendResult{}, errors.New("forward failed")
	}
	f.forwards = append(f.forwards, src)
	return transport.SendResult{MessageID: "fwd-1"}, nil
}

func newMachine(t *testing.T, tr *fakeTransport) *Machine {
	t.Helper()
	tr.tmpDir = t.TempDir()
	q := queue.New(queue.Config{
		MaxSize:      16,
		DedupWindow:  time.Millisecond, // fallback re-sends must not dedup away
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
		SendTimeout:  time.Second,
		PacePerSec:   1000,
	}, governor.New(governor.Limits{}, nil), tr)
	q.Start()
	t.Cleanup(q.Stop)

	m := New(Config{
		AttemptTimeout:  time.Second,
		DownloadRetries: 3,
		DownloadDelay:   time.Millisecond,
	}, q, tr)
	m.sleep = func(time.Duration) {}
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		kind string
		want Class
	}{
		{"voice", ClassAV},
		{"audio", ClassAV},
		{"video", ClassAV},
		{"image", ClassMedia},
		{"document", ClassMedia},
		{"sticker", ClassNone},
	}
	for _, tt := range tests {
		if got := Classify(&bus.MediaRef{Kind: tt.kind}); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.kind, got, tt.want)
		}
	}
	if got := Classify(nil); got != ClassNone {
		t.Errorf("Classify(nil) = %s, want none", got)
	}
}

func TestAVForwardsFirst(t *testing.T) {
	tr := &fakeTransport{}
	m := newMachine(t, tr)

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "voice", SourceMsgID: "m1"}, "")
	if !out.OK || out.Mode != ModeForward {
		t.Fatalf("outcome = %+v, want forward", out)
	}
	if len(tr.forwards) != 1 || len(tr.uploads) != 0 {
		t.Errorf("forwards=%d uploads=%d, want 1/0", len(tr.forwards), len(tr.uploads))
	}
}

func TestAVSlowForwardDeliversOnce(t *testing.T) {
	// A forward that outlives the per-attempt timeout but still lands must
	// count as the delivery. Falling back on top of it would hand the
	// destination the same attachment twice.
	tr := &fakeTransport{forwardDelay: 150 * time.Millisecond}
	m := newMachine(t, tr)
	m.cfg.AttemptTimeout = 30 * time.Millisecond

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "voice", SourceMsgID: "m1"}, "")
	if !out.OK || out.Mode != ModeForward {
		t.Fatalf("outcome = %+v, want forward", out)
	}
	if len(tr.forwards) != 1 || len(tr.uploads) != 0 {
		t.Errorf("forwards=%d uploads=%d, want 1/0", len(tr.forwards), len(tr.uploads))
	}
}

func TestAVFallsBackToVoiceNote(t *testing.T) {
	tr := &fakeTransport{failForward: true}
	m := newMachine(t, tr)

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "audio", SourceMsgID: "m1"}, "202501T0000000001")
	if !out.OK || out.Mode != ModeDownload {
		t.Fatalf("outcome = %+v, want download fallback", out)
	}
	if len(tr.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(tr.uploads))
	}
	up := tr.uploads[0]
	if !up.VoiceNote {
		t.Error("fallback audio not flagged as voice note")
	}
	if up.Caption != "202501T0000000001" {
		t.Errorf("caption = %q, ticket id lost", up.Caption)
	}
}

func TestAVBothPathsFailing(t *testing.T) {
	tr := &fakeTransport{failForward: true, failDownload: true}
	m := newMachine(t, tr)

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "video", SourceMsgID: "m1"}, "")
	if out.OK {
		t.Fatalf("outcome = %+v, want failure", out)
	}
	if len(tr.forwards) != 0 || len(tr.uploads) != 0 {
		t.Error("partial delivery despite both paths failing")
	}
}

func TestMediaDownloadsFirst(t *testing.T) {
	tr := &fakeTransport{}
	m := newMachine(t, tr)

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "image", SourceMsgID: "m1"}, "202501T0000000001")
	if !out.OK || out.Mode != ModeDownload {
		t.Fatalf("outcome = %+v, want download", out)
	}
	if len(tr.uploads) != 1 || tr.uploads[0].Caption != "202501T0000000001" {
		t.Fatalf("upload missing or caption lost: %+v", tr.uploads)
	}
	if len(tr.forwards) != 0 {
		t.Error("forward attempted although download succeeded")
	}
}

func TestMediaFallsBackToForwardWithCaptionText(t *testing.T) {
	tr := &fakeTransport{failDownload: true}
	m := newMachine(t, tr)

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "document", SourceMsgID: "m1"}, "202501T0000000001")
	if !out.OK || out.Mode != ModeForward {
		t.Fatalf("outcome = %+v, want forward fallback", out)
	}
	if len(tr.forwards) != 1 {
		t.Fatalf("forwards = %d, want 1", len(tr.forwards))
	}
	// The forward cannot carry the caption; it must arrive as its own text.
	if len(tr.texts) != 1 || tr.texts[0] != "202501T0000000001" {
		t.Errorf("caption follow-up missing: %v", tr.texts)
	}
}

func TestDownloadRetriesBeforeGivingUp(t *testing.T) {
	tr := &fakeTransport{failForward: true, failDownload: true}
	m := newMachine(t, tr)

	attempts := 0
	m.sleep = func(time.Duration) { attempts++ }

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "voice", SourceMsgID: "m1"}, "")
	if out.OK {
		t.Fatalf("outcome = %+v, want failure", out)
	}
	// 3 attempts means 2 inter-attempt delays.
	if attempts != 2 {
		t.Errorf("download retried %d times, want 2 delays for 3 attempts", attempts)
	}
}

func TestOversizedAttachmentRejected(t *testing.T) {
	tr := &fakeTransport{failForward: true}
	m := newMachine(t, tr)
	m.cfg.MaxDownloadBytes = 1024

	out := m.Deliver(context.Background(), "c1", &bus.MediaRef{Kind: "audio", SourceMsgID: "m1", FileSize: 1 << 30}, "")
	if out.OK {
		t.Fatalf("outcome = %+v, want failure for oversized attachment", out)
	}
}

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatflow/internal/chunker"
	"chatflow/internal/contextwindow"
	"chatflow/internal/jobs"
	"chatflow/internal/llm"
	"chatflow/internal/sendqueue"
	"chatflow/internal/session"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	thoughts []chunker.Thought
	windows  [][]session.Exchange
}

func (f *fakeEnqueuer) EnqueueThought(_ context.Context, t chunker.Thought, window []session.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thoughts = append(f.thoughts, t)
	f.windows = append(f.windows, window)
	return nil
}

func (f *fakeEnqueuer) all() []chunker.Thought {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chunker.Thought, len(f.thoughts))
	copy(out, f.thoughts)
	return out
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	resp  llm.Response
	err   error
}

func (f *fakeLLM) Generate(context.Context, []llm.Message) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, text)
	return nil
}

func (f *fakeDeliverer) Typing(context.Context, int64) {}

func (f *fakeDeliverer) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type testRig struct {
	dispatcher *Dispatcher
	store      *session.MemoryStore
	enq        *fakeEnqueuer
	model      *fakeLLM
	transport  *fakeDeliverer
}

func newTestRig(debounce time.Duration) *testRig {
	store := session.NewMemoryStore()
	enq := &fakeEnqueuer{}
	model := &fakeLLM{resp: llm.Response{Content: "hello back", Model: "test"}}
	transport := &fakeDeliverer{}

	windows := contextwindow.NewManager(store, 6*time.Hour, 100, zerolog.Nop())
	sendq := sendqueue.New(transport, func(ctx context.Context, userID int64, segment string) {
		windows.Append(ctx, session.Exchange{UserID: userID, Role: session.RoleBot, Text: segment, Timestamp: time.Now()})
	}, 100000, 0, 3, zerolog.Nop())

	d := New(Options{
		Store:     store,
		Windows:   windows,
		SendQueue: sendq,
		Jobs:      enq,
		LLM:       model,
		Fallback:  "fallback reply",
		Debounce:  debounce,
		ClaimTTL:  time.Minute,
		Log:       zerolog.Nop(),
	})
	return &testRig{dispatcher: d, store: store, enq: enq, model: model, transport: transport}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", d)
	}
}

func inbound(userID, seq int64, text string) chunker.Message {
	return chunker.Message{UserID: userID, Text: text, Timestamp: time.Now(), Seq: seq}
}

func TestBurstDispatchesOneJobWithContext(t *testing.T) {
	rig := newTestRig(40 * time.Millisecond)
	ctx := context.Background()

	rig.dispatcher.HandleInbound(ctx, inbound(1, 1, "hi"))
	time.Sleep(15 * time.Millisecond)
	rig.dispatcher.HandleInbound(ctx, inbound(1, 2, "there, how are you"))

	waitFor(t, time.Second, func() bool { return len(rig.enq.all()) == 1 })

	got := rig.enq.all()[0]
	if got.Text() != "hi there, how are you" {
		t.Fatalf("unexpected thought: %q", got.Text())
	}
	// The captured window contains both user messages.
	rig.enq.mu.Lock()
	window := rig.enq.windows[0]
	rig.enq.mu.Unlock()
	if len(window) != 2 || window[0].Text != "hi" {
		t.Fatalf("unexpected context window: %+v", window)
	}
}

func TestRedeliveredMessageDoesNotDoubleDispatch(t *testing.T) {
	rig := newTestRig(time.Minute)
	ctx := context.Background()

	m := inbound(1, 5, "what's the plan?")
	rig.dispatcher.HandleInbound(ctx, m)
	waitFor(t, time.Second, func() bool { return len(rig.enq.all()) == 1 })

	rig.dispatcher.HandleInbound(ctx, m)
	time.Sleep(100 * time.Millisecond)
	if n := len(rig.enq.all()); n != 1 {
		t.Fatalf("redelivery caused %d job submissions, want 1", n)
	}
}

func TestProcessThoughtStreamsReply(t *testing.T) {
	rig := newTestRig(time.Minute)
	rig.model.resp = llm.Response{Content: "line one\nline two", Model: "test"}

	th := chunker.Thought{ID: "t1", UserID: 1, FormedAt: time.Now(), Messages: []chunker.Message{{UserID: 1, Text: "hi", Seq: 1}}}
	task, err := jobs.NewProcessThoughtTask(th, []session.Exchange{{UserID: 1, Role: session.RoleUser, Text: "hi", Timestamp: time.Now()}})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := rig.dispatcher.HandleProcessThought(context.Background(), task); err != nil {
		t.Fatalf("handler: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(rig.transport.all()) == 2 })
	got := rig.transport.all()
	if got[0] != "line one" || got[1] != "line two" {
		t.Fatalf("unexpected segments: %v", got)
	}
}

func TestStaleResultDiscarded(t *testing.T) {
	rig := newTestRig(time.Minute)
	ctx := context.Background()

	formed := time.Now().Add(-time.Minute)
	// A newer thought has been claimed since this one formed.
	if err := rig.store.SetLatestThought(ctx, 1, time.Now()); err != nil {
		t.Fatalf("seed latest: %v", err)
	}

	th := chunker.Thought{ID: "old", UserID: 1, FormedAt: formed, Messages: []chunker.Message{{UserID: 1, Text: "hi", Seq: 1}}}
	task, err := jobs.NewProcessThoughtTask(th, nil)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := rig.dispatcher.HandleProcessThought(ctx, task); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if rig.model.callCount() != 0 {
		t.Fatalf("stale thought must not reach the backend")
	}
	time.Sleep(50 * time.Millisecond)
	if len(rig.transport.all()) != 0 {
		t.Fatalf("stale result must not be delivered: %v", rig.transport.all())
	}
}

func TestEqualRecencyIsNotStale(t *testing.T) {
	rig := newTestRig(time.Minute)
	ctx := context.Background()

	formed := time.Now()
	// The thought's own enqueue recorded this marker; only strictly
	// newer thoughts make it stale.
	if err := rig.store.SetLatestThought(ctx, 1, formed); err != nil {
		t.Fatalf("seed latest: %v", err)
	}

	th := chunker.Thought{ID: "current", UserID: 1, FormedAt: formed, Messages: []chunker.Message{{UserID: 1, Text: "hi", Seq: 1}}}
	task, err := jobs.NewProcessThoughtTask(th, nil)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := rig.dispatcher.HandleProcessThought(ctx, task); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rig.model.callCount() != 1 {
		t.Fatalf("current thought must be processed")
	}
}

func TestBackendFailureSendsFallback(t *testing.T) {
	rig := newTestRig(time.Minute)
	rig.model.err = errors.New("model exploded")

	th := chunker.Thought{ID: "t1", UserID: 1, FormedAt: time.Now(), Messages: []chunker.Message{{UserID: 1, Text: "hi", Seq: 1}}}
	task, err := jobs.NewProcessThoughtTask(th, nil)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	// Plain context carries no retry budget, so the handler goes
	// straight to the fallback.
	if err := rig.dispatcher.HandleProcessThought(context.Background(), task); err != nil {
		t.Fatalf("handler should absorb backend failure, got %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(rig.transport.all()) == 1 })
	if got := rig.transport.all()[0]; got != "fallback reply" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestNewThoughtCancelsInFlightReply(t *testing.T) {
	rig := newTestRig(time.Minute)
	ctx := context.Background()

	// Slow the pacing down so the reply is mid-stream when the next
	// thought arrives.
	slow := sendqueue.New(rig.transport, nil, 20, 0, 3, zerolog.Nop())
	rig.dispatcher.sendq = slow

	slow.Submit(1, []string{"a long and slow reply segment", "second part"})
	time.Sleep(30 * time.Millisecond)

	rig.dispatcher.HandleInbound(ctx, inbound(1, 1, "changed my mind."))
	waitFor(t, time.Second, func() bool { return len(rig.enq.all()) == 1 })

	time.Sleep(200 * time.Millisecond)
	if len(rig.transport.all()) != 0 {
		t.Fatalf("superseded reply was still delivered: %v", rig.transport.all())
	}
}

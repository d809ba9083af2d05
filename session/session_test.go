package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"murmaid/stt"
)

type publishedEvent struct {
	kind    EventKind
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(kind EventKind, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{kind: kind, payload: payload})
}

func (p *fakePublisher) ofKind(kind EventKind) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var matched []publishedEvent
	for _, ev := range p.events {
		if ev.kind == kind {
			matched = append(matched, ev)
		}
	}
	return matched
}

type generateCall struct {
	prompt   string
	previous string
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	fn    func(prompt, previous string) (string, error)
	done  chan generateCall
}

func newFakeGenerator(fn func(prompt, previous string) (string, error)) *fakeGenerator {
	return &fakeGenerator{fn: fn, done: make(chan generateCall, 16)}
}

func (g *fakeGenerator) Generate(
	_ context.Context,
	prompt, previous string,
) (string, error) {
	call := generateCall{prompt: prompt, previous: previous}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()

	diagram, err := g.fn(prompt, previous)
	g.done <- call
	return diagram, err
}

func (g *fakeGenerator) next(t *testing.T) generateCall {
	t.Helper()
	select {
	case call := <-g.done:
		return call
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for generation call")
		return generateCall{}
	}
}

func (g *fakeGenerator) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case call := <-g.done:
		t.Fatalf("unexpected generation call: %+v", call)
	case <-time.After(d):
	}
}

type historyRow struct {
	diagramID string
	prompt    string
	mermaid   string
}

type fakeStore struct {
	mu   sync.Mutex
	rows []historyRow
	err  error
}

func (s *fakeStore) CreateHistory(
	_ context.Context,
	_, diagramID, prompt, mermaid string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, historyRow{
		diagramID: diagramID,
		prompt:    prompt,
		mermaid:   mermaid,
	})
	return nil
}

func (s *fakeStore) all() []historyRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]historyRow(nil), s.rows...)
}

type fakeStream struct {
	events    chan stt.Event
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 16)}
}

func (f *fakeStream) SendAudio(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type testFixture struct {
	session *Session
	pub     *fakePublisher
	stream  *fakeStream
	gen     *fakeGenerator
	store   *fakeStore
}

func newTestSession(t *testing.T, window time.Duration, gen *fakeGenerator) *testFixture {
	t.Helper()

	if gen == nil {
		n := 0
		gen = newFakeGenerator(func(string, string) (string, error) {
			n++
			return fmt.Sprintf("flowchart TD\n  gen%d", n), nil
		})
	}

	fx := &testFixture{
		pub:    &fakePublisher{},
		stream: newFakeStream(),
		gen:    gen,
		store:  &fakeStore{},
	}

	fx.session = newSession("sess-test", Config{
		DiagramID:      "dia-test",
		DebounceWindow: window,
		Logger:         log.New(io.Discard),
		Publisher:      fx.pub,
		Store:          fx.store,
		Generator:      fx.gen,
		Transcriber: TranscriberFunc(func(context.Context) (Stream, error) {
			return fx.stream, nil
		}),
	})
	t.Cleanup(fx.session.Close)

	return fx
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finalTurn(text string) stt.Event {
	return stt.Event{Kind: stt.EventFinalTranscript, Text: text}
}

func TestFragmentsWithinWindowBatchIntoOneGeneration(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, 40*time.Millisecond, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- finalTurn("draw a login flow")
	fx.stream.events <- finalTurn("add a database step")

	call := fx.gen.next(t)
	if call.prompt != "draw a login flow add a database step" {
		t.Fatalf("unexpected prompt: %q", call.prompt)
	}
	if call.previous != "" {
		t.Fatalf("first generation must have no context diagram, got %q", call.previous)
	}
	fx.gen.expectQuiet(t, 100*time.Millisecond)

	waitUntil(t, "diagram update", func() bool {
		return len(fx.pub.ofKind(EventDiagramUpdate)) == 1
	})
	if fx.session.LastDiagram() == "" {
		t.Fatalf("expected lastDiagram to be set")
	}

	rows := fx.store.all()
	if len(rows) != 1 || rows[0].prompt != call.prompt || rows[0].diagramID != "dia-test" {
		t.Fatalf("unexpected history rows: %+v", rows)
	}
}

func TestLaterFragmentCarriesContextDiagram(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, 30*time.Millisecond, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- finalTurn("draw a login flow")
	first := fx.gen.next(t)
	if first.previous != "" {
		t.Fatalf("first call should be fresh, got context %q", first.previous)
	}

	waitUntil(t, "first diagram", func() bool {
		return fx.session.LastDiagram() != ""
	})
	firstDiagram := fx.session.LastDiagram()

	fx.stream.events <- finalTurn("now add caching")
	second := fx.gen.next(t)
	if second.prompt != "now add caching" {
		t.Fatalf("unexpected second prompt: %q", second.prompt)
	}
	if second.previous != firstDiagram {
		t.Fatalf("second call must observe the first diagram, got %q", second.previous)
	}
}

func TestGenerationFailureLeavesContextUntouched(t *testing.T) {
	t.Parallel()

	var calls int
	gen := newFakeGenerator(func(string, string) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("provider exploded")
		}
		return "flowchart TD\n  recovered", nil
	})

	fx := newTestSession(t, 30*time.Millisecond, gen)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- finalTurn("draw something")
	fx.gen.next(t)

	waitUntil(t, "failure event", func() bool {
		return len(fx.pub.ofKind(EventError)) == 1
	})
	if fx.session.LastDiagram() != "" {
		t.Fatalf("failed generation must not set lastDiagram")
	}
	if rows := fx.store.all(); len(rows) != 0 {
		t.Fatalf("failed generation must not be persisted: %+v", rows)
	}

	fx.stream.events <- finalTurn("try again")
	second := fx.gen.next(t)
	if second.previous != "" {
		t.Fatalf("context after failure must be the pre-failure diagram, got %q", second.previous)
	}

	waitUntil(t, "recovered diagram", func() bool {
		return fx.session.LastDiagram() == "flowchart TD\n  recovered"
	})
	if rows := fx.store.all(); len(rows) != 1 {
		t.Fatalf("expected exactly one persisted row, got %+v", rows)
	}
}

func TestPersistenceFailureStillPublishesDiagram(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, 30*time.Millisecond, nil)
	fx.store.err = errors.New("disk full")

	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- finalTurn("draw something")
	fx.gen.next(t)

	waitUntil(t, "diagram update despite persistence failure", func() bool {
		return len(fx.pub.ofKind(EventDiagramUpdate)) == 1
	})
	if fx.session.LastDiagram() == "" {
		t.Fatalf("lastDiagram should be updated even when persistence fails")
	}
}

func TestCloseFlushesPendingBatchExactlyOnce(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- finalTurn("last words")
	waitUntil(t, "fragment buffered", func() bool {
		return len(fx.pub.ofKind(EventTranscript)) == 1
	})

	fx.session.Close()

	call := fx.gen.next(t)
	if call.prompt != "last words" {
		t.Fatalf("unexpected flushed prompt: %q", call.prompt)
	}
	fx.gen.expectQuiet(t, 100*time.Millisecond)

	if !fx.stream.isClosed() {
		t.Fatalf("closing the session must close the upstream connection")
	}
}

func TestPartialFragmentsAreNeverBatched(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, 30*time.Millisecond, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.stream.events <- stt.Event{Kind: stt.EventPartialTranscript, Text: "draw a log"}
	fx.stream.events <- stt.Event{Kind: stt.EventPartialTranscript, Text: "draw a login"}

	waitUntil(t, "partial transcripts", func() bool {
		return len(fx.pub.ofKind(EventPartialTranscript)) == 2
	})
	fx.gen.expectQuiet(t, 120*time.Millisecond)
}

func TestProviderEventsArePublished(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	expiry := time.Unix(1700000000, 0)
	fx.stream.events <- stt.Event{
		Kind:      stt.EventSessionBegan,
		SessionID: "prov-42",
		ExpiresAt: expiry,
	}
	fx.stream.events <- stt.Event{
		Kind:            stt.EventSessionEnded,
		AudioDuration:   12,
		SessionDuration: 15,
	}

	waitUntil(t, "session lifecycle events", func() bool {
		return len(fx.pub.ofKind(EventSessionStarted)) == 1 &&
			len(fx.pub.ofKind(EventSessionEnded)) == 1
	})

	started := fx.pub.ofKind(EventSessionStarted)[0].payload.(SessionStartedPayload)
	if started.SessionID != "prov-42" || !started.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected session-started payload: %+v", started)
	}

	ended := fx.pub.ofKind(EventSessionEnded)[0].payload.(SessionEndedPayload)
	if ended.AudioDuration != 12 || ended.SessionDuration != 15 {
		t.Fatalf("unexpected session-ended payload: %+v", ended)
	}
}

func TestAudioBeforeStreamOpenIsDropped(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)

	fx.session.SendAudio([]byte{0x01})
	if fx.stream.frameCount() != 0 {
		t.Fatalf("audio before the connection opens must be dropped")
	}

	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.session.SendAudio([]byte{0x02})
	if fx.stream.frameCount() != 1 {
		t.Fatalf("audio after open must be forwarded")
	}
}

func TestStartStreamTwiceFails(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	if err := fx.session.StartStream(context.Background()); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
}

func TestStartStreamFailurePublishesError(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	s := newSession("sess-err", Config{
		DiagramID:      "dia-err",
		DebounceWindow: time.Minute,
		Logger:         log.New(io.Discard),
		Publisher:      pub,
		Store:          &fakeStore{},
		Generator:      newFakeGenerator(func(string, string) (string, error) { return "x", nil }),
		Transcriber: TranscriberFunc(func(context.Context) (Stream, error) {
			return nil, errors.New("dial refused")
		}),
	})
	defer s.Close()

	if err := s.StartStream(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}
	if len(pub.ofKind(EventError)) != 1 {
		t.Fatalf("expected an error event")
	}
	if s.State() != StateIdle {
		t.Fatalf("failed start should leave the session idle, got %s", s.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	fx.session.Close()
	fx.session.Close()

	if fx.session.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", fx.session.State())
	}
	if err := fx.session.StartStream(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestProviderCloseYieldsDisconnectedStatus(t *testing.T) {
	t.Parallel()

	fx := newTestSession(t, time.Minute, nil)
	if err := fx.session.StartStream(context.Background()); err != nil {
		t.Fatalf("start stream: %v", err)
	}

	// Provider drops the connection; the client is told.
	fx.stream.Close()

	waitUntil(t, "disconnected status", func() bool {
		for _, ev := range fx.pub.ofKind(EventStatus) {
			if ev.payload.(StatusPayload).Message == "Disconnected" {
				return true
			}
		}
		return false
	})
}

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errUnreachable = errors.New("connection refused")

// attemptTracker records how many connect attempts run at the same time
// across every fake sharing it.
type attemptTracker struct {
	active atomic.Int32
	max    atomic.Int32
}

func (t *attemptTracker) enter() {
	n := t.active.Add(1)
	for {
		m := t.max.Load()
		if n <= m || t.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (t *attemptTracker) leave() { t.active.Add(-1) }

type fakeSource struct {
	tracker *attemptTracker

	mu         sync.Mutex
	openErrs   []error // consumed one per Open call
	subErr     error
	closeErr   error
	handler    Handler
	opens      int
	closes     int
	subscribed []string
	open       bool
}

func newFakeSource(tracker *attemptTracker) *fakeSource {
	return &fakeSource{tracker: tracker}
}

func (s *fakeSource) Open(ctx context.Context, h Handler) error {
	if s.tracker != nil {
		s.tracker.enter()
		defer s.tracker.leave()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		if err != nil {
			return err
		}
	}
	s.handler = h
	s.open = true
	return nil
}

func (s *fakeSource) Subscribe(ctx context.Context, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return s.subErr
	}
	s.subscribed = append(s.subscribed, filter)
	return nil
}

func (s *fakeSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.open = false
	return s.closeErr
}

func (s *fakeSource) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// deliver pushes a message through the handler of the live connection.
func (s *fakeSource) deliver(msg InboundMessage) {
	s.currentHandler().HandleMessage(msg)
}

func (s *fakeSource) drop(err error) {
	s.currentHandler().HandleConnectionLost(err)
}

func (s *fakeSource) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

func (s *fakeSource) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type fakeSink struct {
	tracker *attemptTracker

	mu        sync.Mutex
	openErrs  []error
	opens     int
	closes    int
	open      bool
	records   []OutboundRecord
	ctxs      []context.Context
	publishFn func(rec OutboundRecord) <-chan error
}

func newFakeSink(tracker *attemptTracker) *fakeSink {
	return &fakeSink{tracker: tracker}
}

func (s *fakeSink) Open(ctx context.Context) error {
	if s.tracker != nil {
		s.tracker.enter()
		defer s.tracker.leave()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		if err != nil {
			return err
		}
	}
	s.open = true
	return nil
}

func (s *fakeSink) Publish(ctx context.Context, rec OutboundRecord) <-chan error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.ctxs = append(s.ctxs, ctx)
	fn := s.publishFn
	s.mu.Unlock()

	if fn != nil {
		return fn(rec)
	}
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (s *fakeSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.open = false
	return nil
}

func (s *fakeSink) published() []OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundRecord, len(s.records))
	copy(out, s.records)
	return out
}

// publishContexts returns the context handed to each Publish call.
func (s *fakeSink) publishContexts() []context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]context.Context, len(s.ctxs))
	copy(out, s.ctxs)
	return out
}

func (s *fakeSink) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

func (s *fakeSink) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func ackedResult(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

package provider

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer function to the Stream interface. The
// producer runs in its own goroutine and writes to the events channel;
// Recv returns io.EOF once the producer returns nil, or the producer's
// error after the channel drains.
type eventStream struct {
	events chan Event
	errCh  chan error
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) *eventStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		defer close(s.events)
		s.errCh <- produce(ctx, s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	ev, ok := <-s.events
	if ok {
		return ev, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		if err := <-s.errCh; err != nil {
			s.err = err
		} else {
			s.err = io.EOF
		}
	}
	return Event{}, s.err
}

func (s *eventStream) Close() error {
	s.cancel()
	// Drain so the producer goroutine can exit.
	for range s.events {
	}
	return nil
}

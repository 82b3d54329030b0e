package llmstream

import "context"

// RawStream is a pull-based source of already-deserialized provider events.
// The anthropic SDK's *ssestream.Stream satisfies it directly.
type RawStream[T any] interface {
	Next() bool
	Current() T
	Err() error
}

// SliceStream replays a fixed list of events, optionally failing at the end.
type SliceStream[T any] struct {
	events []T
	pos    int
	err    error
}

// NewSliceStream returns a stream over events. If err is non-nil it is reported
// once every event has been consumed.
func NewSliceStream[T any](events []T, err error) *SliceStream[T] {
	return &SliceStream[T]{events: events, pos: -1, err: err}
}

func (s *SliceStream[T]) Next() bool {
	if s.pos+1 >= len(s.events) {
		s.pos = len(s.events)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream[T]) Current() T {
	if s.pos < 0 || s.pos >= len(s.events) {
		var zero T
		return zero
	}
	return s.events[s.pos]
}

func (s *SliceStream[T]) Err() error {
	if s.pos >= len(s.events) {
		return s.err
	}
	return nil
}

// StreamItem is one element of a channel-backed stream.
type StreamItem[T any] struct {
	Event T
	Err   error
}

// ChanStream adapts a producer goroutine's channel to a RawStream.
// A StreamItem with a non-nil Err ends the stream with that error.
type ChanStream[T any] struct {
	ctx     context.Context
	ch      <-chan StreamItem[T]
	current T
	err     error
}

// NewChanStream reads from ch until it is closed, an error item arrives, or ctx is done.
func NewChanStream[T any](ctx context.Context, ch <-chan StreamItem[T]) *ChanStream[T] {
	return &ChanStream[T]{ctx: ctx, ch: ch}
}

func (s *ChanStream[T]) Next() bool {
	if s.err != nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return false
	case item, ok := <-s.ch:
		if !ok {
			return false
		}
		if item.Err != nil {
			s.err = item.Err
			return false
		}
		s.current = item.Event
		return true
	}
}

func (s *ChanStream[T]) Current() T { return s.current }

func (s *ChanStream[T]) Err() error { return s.err }

type eventObserverKey struct{}

// WithEventObserver returns a context under which streams wrapped by Observe
// call fn once per raw event, whether or not the event yields a chunk.
func WithEventObserver(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, eventObserverKey{}, fn)
}

// Observe wraps raw so every event it yields is reported to the observer
// carried by ctx. Without an observer raw is returned as is.
func Observe[T any](ctx context.Context, raw RawStream[T]) RawStream[T] {
	fn, ok := ctx.Value(eventObserverKey{}).(func())
	if !ok || fn == nil {
		return raw
	}
	return &observedStream[T]{RawStream: raw, observe: fn}
}

type observedStream[T any] struct {
	RawStream[T]
	observe func()
}

func (s *observedStream[T]) Next() bool {
	if !s.RawStream.Next() {
		return false
	}
	s.observe()
	return true
}

package broadcast

import (
	"context"
	"errors"
	"sync"
)

// Subscription is one attached consumer. Its queue is never closed; done
// signals the end of the subscription and err says why.
type Subscription struct {
	id    uint64
	name  string
	hub   *Hub
	queue chan string

	once sync.Once
	done chan struct{}
	err  error
}

// ID is the registry slot of the subscription, unique within its hub.
func (s *Subscription) ID() uint64 { return s.id }

// Name is the label given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended, or nil while it is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Recv returns the next record in publish order. It blocks until a record is
// queued, the subscription ends or ctx is done.
//
// After an unsubscribe or eviction Recv fails at once. After the hub closes it
// first returns whatever was already queued, then ErrClosed.
func (s *Subscription) Recv(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.drain()
	default:
	}

	select {
	case text := <-s.queue:
		return text, nil
	case <-s.done:
		return s.drain()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

func (s *Subscription) drain() (string, error) {
	if errors.Is(s.err, ErrClosed) {
		select {
		case text := <-s.queue:
			return text, nil
		default:
		}
	}
	return "", s.err
}

func (s *Subscription) terminate(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

package relay

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("relay closed")

// LocalRelay delivers envelopes between subscribers in one process.
type LocalRelay struct {
	mu     sync.Mutex
	subs   []chan Envelope
	closed bool
}

func NewLocalRelay() *LocalRelay {
	return &LocalRelay{}
}

func (l *LocalRelay) Publish(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	for _, ch := range l.subs {
		select {
		case ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *LocalRelay) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return errors.New("onMsg callback required")
	}

	ch := make(chan Envelope, 256)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.subs = append(l.subs, ch)
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				onMsg(env)
			}
		}
	}()

	return nil
}

func (l *LocalRelay) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	return nil
}

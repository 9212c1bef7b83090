// Package lane orders work per key. Each guild has one lane; commands take a
// turn when they are received and act once every earlier turn is released.
package lane

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

type lane struct {
	tail chan struct{}
	refs int
}

// Lanes hands out ordered turns per key.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// New creates an empty set of lanes.
func New() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Reserve takes the next turn for key. Turns of one key are ordered by the
// time Reserve was called.
func (l *Lanes) Reserve(key string) *Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	ln, ok := l.lanes[key]
	if !ok {
		tail := make(chan struct{})
		close(tail)
		ln = &lane{tail: tail}
		l.lanes[key] = ln
	}
	t := &Turn{
		lanes: l,
		key:   key,
		prev:  ln.tail,
		done:  make(chan struct{}),
	}
	ln.tail = t.done
	ln.refs++
	return t
}

// Len returns the number of keys with unreleased turns.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

func (l *Lanes) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ln, ok := l.lanes[key]; ok {
		ln.refs--
		if ln.refs <= 0 {
			delete(l.lanes, key)
		}
	}
}

// Turn is one command's place in a lane.
type Turn struct {
	lanes *Lanes
	key   string
	prev  <-chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Key returns the key the turn was reserved for.
func (t *Turn) Key() string {
	return t.key
}

// Wait blocks until every earlier turn of the lane has been released.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "cancelled while waiting for turn")
	}
}

// Release lets the next turn proceed once the earlier ones have. It is safe
// to call more than once, and to call without Wait.
func (t *Turn) Release() {
	t.once.Do(func() {
		select {
		case <-t.prev:
			close(t.done)
		default:
			go func() {
				<-t.prev
				close(t.done)
			}()
		}
		t.lanes.release(t.key)
	})
}

// Copyright (c) 2024 VMdevices Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package uevent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout means no matching event arrived within the deadline.
	ErrTimeout = errors.New("timed out waiting for uevent")

	// ErrCancelled means the wait was cancelled before a match arrived.
	ErrCancelled = errors.New("uevent wait cancelled")

	// ErrBusClosed means the bus was torn down.
	ErrBusClosed = errors.New("uevent bus is closed")
)

// Matcher recognizes the one event a pending resolution is waiting for.
// Matchers must be specific enough (full bus address, not just a
// subsystem) that at most one registered waiter can accept an event.
type Matcher interface {
	Matches(ev *Uevent) bool
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(ev *Uevent) bool

// Matches calls f(ev).
func (f MatcherFunc) Matches(ev *Uevent) bool {
	return f(ev)
}

type pendingWait struct {
	matcher Matcher

	// ch carries the matched event; buffered so the dispatch loop never
	// blocks on a waiter that is concurrently timing out.
	ch chan *Uevent
}

// Bus is the single consumer of a uevent Source. It offers each event
// to the registered waiters in registration order; the first matcher
// accepting an event consumes it, events nobody wants are dropped.
type Bus struct {
	source Source

	mu      sync.Mutex
	waiters []*pendingWait
	closed  bool

	// done is closed when the dispatch loop exits, waking any waiter
	// still registered at teardown.
	done chan struct{}
}

// NewBus starts the dispatch loop over the given source.
func NewBus(source Source) *Bus {
	b := &Bus{
		source: source,
		done:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)

	for {
		ev, err := b.source.Read()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				ueventLogger.WithError(err).Error("uevent source read failed, stopping dispatch")
			}
			return
		}

		b.dispatch(ev)
	}
}

// dispatch offers ev to waiters in FIFO registration order. At most one
// waiter receives it.
func (b *Bus) dispatch(ev *Uevent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, w := range b.waiters {
		if w.matcher.Matches(ev) {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			w.ch <- ev
			return
		}
	}

	ueventLogger.WithField("devpath", ev.DevPath).Debug("no waiter for uevent, dropping")
}

// remove unregisters w. It reports whether w was still registered; a
// false return means the dispatch loop already delivered an event to it.
func (b *Bus) remove(w *pendingWait) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.waiters {
		if cur == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Waiters reports how many subscriptions are currently pending.
func (b *Bus) Waiters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Subscribe registers matcher and blocks until a matching event arrives,
// the timeout expires, ctx is cancelled, or the bus is closed. The
// matched event is delivered to exactly one subscriber.
func (b *Bus) Subscribe(ctx context.Context, matcher Matcher, timeout time.Duration) (*Uevent, error) {
	w := &pendingWait{
		matcher: matcher,
		ch:      make(chan *Uevent, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil

	case <-timer.C:
		if !b.remove(w) {
			// delivery raced the deadline, take the event
			return <-w.ch, nil
		}
		return nil, ErrTimeout

	case <-ctx.Done():
		if !b.remove(w) {
			return <-w.ch, nil
		}
		return nil, errors.Wrap(ErrCancelled, ctx.Err().Error())

	case <-b.done:
		b.remove(w)
		return nil, ErrBusClosed
	}
}

// Close tears the bus down: the source is closed, the dispatch loop
// exits and every outstanding Subscribe call is woken with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.source.Close()
	<-b.done
	return err
}

// Package supervisor tracks an unordered, dynamically growing set of
// goroutines and hands their outcomes back one at a time. Every admitted
// task is joined exactly once; panics are captured and surfaced as join
// errors instead of tearing the process down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrEmpty is returned by JoinNext once no tracked tasks remain.
var ErrEmpty = errors.New("supervisor: no tasks")

// PanicError wraps a panic recovered from a tracked task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Result is the outcome of one finished task.
type Result struct {
	// Label identifies the task as supplied to Go.
	Label string
	// Err is the task's return value, or a *PanicError if it panicked.
	Err error
}

// Set tracks in-flight tasks. There is no admission bound; tasks may be
// added at any rate while another goroutine joins them.
type Set struct {
	mu     sync.Mutex
	active int
	done   []Result
	wakeCh chan struct{}
}

// NewSet returns an empty task set.
func NewSet() *Set {
	return &Set{wakeCh: make(chan struct{}, 1)}
}

// Go admits fn into the tracked set and runs it on its own goroutine. The
// outcome, including a recovered panic, is retained until joined.
func (s *Set) Go(label string, fn func() error) {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
			s.mu.Lock()
			s.active--
			s.done = append(s.done, Result{Label: label, Err: err})
			s.mu.Unlock()
			s.wake()
		}()
		err = fn()
	}()
}

func (s *Set) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Len reports how many tasks are tracked: still running or finished but not
// yet joined.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active + len(s.done)
}

// Active reports how many tasks are still running.
func (s *Set) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// JoinNext suspends until any tracked task finishes and returns its outcome.
// Once nothing is tracked it returns ErrEmpty; if ctx ends first it returns
// ctx.Err(). Completion order is whatever order tasks happen to finish in.
func (s *Set) JoinNext(ctx context.Context) (Result, error) {
	for {
		s.mu.Lock()
		if len(s.done) > 0 {
			res := s.done[0]
			s.done = s.done[1:]
			s.mu.Unlock()
			return res, nil
		}
		if s.active == 0 {
			s.mu.Unlock()
			return Result{}, ErrEmpty
		}
		s.mu.Unlock()

		select {
		case <-s.wakeCh:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Package saga pairs a database transaction with the non-transactional side
// effects performed alongside it.
//
// Actions registered with OnRollback undo work that already happened (a file
// written to disk). Actions registered with OnCommit defer destructive work
// (deleting a superseded file) until the transaction is known to have
// committed. Exactly one of Compensate or Complete should be called.
package saga

import (
	"context"
	"log"
	"sync"
)

// Action is a side effect run after the transaction outcome is known.
type Action struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Saga struct {
	mu       sync.Mutex
	rollback []Action
	commit   []Action
	finished bool
}

func New() *Saga {
	return &Saga{}
}

// OnRollback registers a compensating action.
func (s *Saga) OnRollback(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollback = append(s.rollback, Action{Name: name, Fn: fn})
}

// OnCommit registers an action deferred until after commit.
func (s *Saga) OnCommit(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit = append(s.commit, Action{Name: name, Fn: fn})
}

// Compensate runs the rollback actions in reverse registration order and
// discards the commit actions. Failures are logged and do not stop the pass.
// ctx cancellation is ignored so a timed-out request still cleans up.
func (s *Saga) Compensate(ctx context.Context) int {
	actions, ok := s.finish(true)
	if !ok {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i].Fn(ctx); err != nil {
			failed++
			log.Printf("ERROR: compensation %s failed: %v", actions[i].Name, err)
		}
	}
	return failed
}

// Complete runs the commit actions in registration order and discards the
// rollback actions.
func (s *Saga) Complete(ctx context.Context) int {
	actions, ok := s.finish(false)
	if !ok {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for _, a := range actions {
		if err := a.Fn(ctx); err != nil {
			failed++
			log.Printf("ERROR: post-commit %s failed: %v", a.Name, err)
		}
	}
	return failed
}

func (s *Saga) finish(rollback bool) ([]Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, false
	}
	s.finished = true
	actions := s.commit
	if rollback {
		actions = s.rollback
	}
	s.rollback, s.commit = nil, nil
	return actions, true
}

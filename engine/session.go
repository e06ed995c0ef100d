package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyp0633/calcore/apperr"
	"github.com/cyp0633/calcore/engine/access"
	"github.com/cyp0633/calcore/engine/env"
	"github.com/cyp0633/calcore/engine/events"
	"github.com/cyp0633/calcore/engine/hierarchy"
	"github.com/cyp0633/calcore/engine/index"
)

// State is the lifecycle state of a session.
type State int

const (
	StateOpen State = iota
	StateRolledBack
	StateKilled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRolledBack:
		return "rolled-back"
	case StateKilled:
		return "killed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one caller's view of the engine. It holds at most one open
// transaction; its collection cache, index queue and notification queue
// are never shared with other sessions.
type Session struct {
	id     string
	mgr    *Manager
	env    *env.Env
	tree   *hierarchy.Manager
	events *events.Manager
	opened time.Time
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// ID identifies the session in the manager's registry.
func (s *Session) ID() string { return s.id }

// Principal is the acting principal.
func (s *Session) Principal() *access.Principal { return s.env.Principal() }

// PrincipalHref is the acting principal's href.
func (s *Session) PrincipalHref() string { return s.env.PrincipalHref() }

// State reports the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending exposes the write-ahead index queue of the open transaction.
func (s *Session) Pending() *index.Queue { return s.env.Pending() }

// InTransaction reports whether a transaction is open.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env.InTx()
}

// BeginTransaction opens a transaction. A rolled-back session may begin
// again; a killed or closed one may not.
func (s *Session) BeginTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateKilled, StateClosed:
		return apperr.Invalid("session %s is %s", s.id, s.state)
	}
	if s.env.InTx() {
		return apperr.Invalid("session %s already has a transaction open", s.id)
	}
	tx, err := s.mgr.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.env.Attach(tx)
	s.state = StateOpen
	return nil
}

// EndTransaction commits the open transaction, then flushes the index
// queue and delivers the held notifications. On a rolled-back or killed
// session it does nothing.
func (s *Session) EndTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end(ctx)
}

func (s *Session) end(ctx context.Context) error {
	switch s.state {
	case StateRolledBack, StateKilled:
		return nil
	case StateClosed:
		return apperr.Invalid("session %s is closed", s.id)
	}
	tx, err := s.env.Tx()
	if err != nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("commit failed", "session", s.id, "error", err)
		s.discard()
		s.state = StateRolledBack
		return err
	}
	s.env.Detach()

	var errs []error
	if ix := s.mgr.indexer; ix != nil {
		if err := s.env.Pending().Flush(ctx, ix); err != nil {
			s.logger.Error("index flush failed", "session", s.id, "error", err)
			errs = append(errs, err)
		}
	} else {
		s.env.Pending().Discard()
	}
	if err := s.env.Notifications().Flush(ctx); err != nil {
		s.logger.Error("notification flush failed", "session", s.id, "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Rollback abandons the open transaction together with the queued index
// writes and notifications and marks the session rolled back.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateKilled {
		return nil
	}
	err := s.rollbackTx()
	s.state = StateRolledBack
	return err
}

func (s *Session) rollbackTx() error {
	tx, txErr := s.env.Tx()
	s.discard()
	if txErr != nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// discard drops the transaction and both queues.
func (s *Session) discard() {
	s.env.Detach()
	s.env.Pending().Discard()
	s.env.Notifications().Discard()
}

func (s *Session) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rollbackTx(); err != nil {
		s.logger.Error("rollback of killed session failed", "session", s.id, "error", err)
	}
	s.state = StateKilled
}

// Close ends any open transaction and removes the session from its
// manager.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	var err error
	if s.state == StateOpen && s.env.InTx() {
		err = s.end(ctx)
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.mgr.forget(s.id)
	s.logger.Debug("session closed", "id", s.id)
	return err
}

// check refuses work on a session that cannot run it.
func (s *Session) check() error {
	switch st := s.State(); st {
	case StateKilled, StateClosed:
		return apperr.Invalid("session %s is %s", s.id, st)
	}
	if !s.env.InTx() {
		return apperr.Invalid("session %s has no transaction open", s.id)
	}
	return nil
}

// mutate runs fn and rolls the session back when it fails.
func (s *Session) mutate(op string, fn func() error) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		s.logger.Warn("operation failed, rolling back", "session", s.id, "op", op, "error", err)
		if rbErr := s.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

package state

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
)

// ErrTokenHeld is returned by TryAcquire when another owner holds the token.
var ErrTokenHeld = errors.New("state: token is held by another owner")

// Token proves exclusive access to the transaction hardware and the state.
// Operations that drive the TLP engine, the link trainer or the tunnel
// configurator take a Token instead of relying on interrupt masking.
type Token struct {
	owner    *State
	released atomic.Bool
}

// Acquire blocks until the token is free or ctx is done.
func (s *State) Acquire(ctx context.Context) (*Token, error) {
	select {
	case s.token <- struct{}{}:
		return &Token{owner: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the token if it is free.
func (s *State) TryAcquire() (*Token, error) {
	select {
	case s.token <- struct{}{}:
		return &Token{owner: s}, nil
	default:
		return nil, ErrTokenHeld
	}
}

// Release returns the token. Releasing twice panics.
func (t *Token) Release() {
	if !t.released.CompareAndSwap(false, true) {
		log.Panic("state: token released twice")
	}

	<-t.owner.token
}

// Held reports whether the token has not been released yet.
func (t *Token) Held() bool {
	return t != nil && !t.released.Load()
}

// Owner returns the state the token was acquired from.
func (t *Token) Owner() *State {
	return t.owner
}

// MustHold panics unless the token is held.
func (t *Token) MustHold() {
	if !t.Held() {
		log.Panic("state: operation requires a held token")
	}
}

func (t *Token) mustHold(s *State) {
	t.MustHold()

	if t.owner != s {
		log.Panic("state: token belongs to another state")
	}
}

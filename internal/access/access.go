// Package access answers "may this account perform this operation?" for the
// engine. The registry behind the answer is pluggable; Static is the
// configuration-driven implementation used by the server.
package access

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnauthorized is returned when a caller lacks the capability an
// operation requires.
var ErrUnauthorized = errors.New("access: unauthorized")

// Operation names a privileged capability.
type Operation string

const (
	// OpAdmin covers the asset registry, thresholds, oracle bindings,
	// signing authority rotation and emergency sweeps.
	OpAdmin Operation = "admin"
	// OpReporter may report trading results.
	OpReporter Operation = "reporter"
	// OpKeeper may trigger custody P&L checks.
	OpKeeper Operation = "keeper"
)

// Authorizer is the permission collaborator.
type Authorizer interface {
	IsAuthorized(account common.Address, op Operation) bool
}

// Require returns ErrUnauthorized unless account holds op.
func Require(a Authorizer, account common.Address, op Operation) error {
	if a == nil || !a.IsAuthorized(account, op) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, account.Hex(), op)
	}
	return nil
}

// RequireAny returns ErrUnauthorized unless account holds at least one of ops.
func RequireAny(a Authorizer, account common.Address, ops ...Operation) error {
	for _, op := range ops {
		if a != nil && a.IsAuthorized(account, op) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks any of %v", ErrUnauthorized, account.Hex(), ops)
}

// Static is an in-memory role table.
type Static struct {
	mu     sync.RWMutex
	grants map[Operation]map[common.Address]bool
}

// NewStatic creates an empty role table.
func NewStatic() *Static {
	return &Static{grants: make(map[Operation]map[common.Address]bool)}
}

// Grant gives op to each account and returns s for chaining.
func (s *Static) Grant(op Operation, accounts ...common.Address) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[op]
	if !ok {
		set = make(map[common.Address]bool)
		s.grants[op] = set
	}
	for _, a := range accounts {
		set[a] = true
	}
	return s
}

// Revoke removes op from account.
func (s *Static) Revoke(op Operation, account common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[op], account)
}

// IsAuthorized implements Authorizer. Admins hold every capability.
func (s *Static) IsAuthorized(account common.Address, op Operation) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.grants[op][account] {
		return true
	}
	return s.grants[OpAdmin][account]
}

// Package txn provides the undo log and reentrancy guard that make every
// engine entry point all-or-nothing.
//
// Components record a compensating closure before each mutation. The engine
// opens a transaction around a public call and either commits (dropping the
// closures) or rolls back (running them newest first).
package txn

import "errors"

// ErrReentrantCall is returned when a guarded component is entered while a
// call into it is already in progress.
var ErrReentrantCall = errors.New("txn: reentrant call")

// Log is an undo log. A nil or inactive Log ignores Record, so components can
// be driven outside a transaction in tests. Not safe for concurrent use.
type Log struct {
	active bool
	undo   []func()
}

// NewLog creates an idle undo log.
func NewLog() *Log {
	return &Log{}
}

// Begin opens a transaction. Any closures left from an unfinished
// transaction are discarded.
func (l *Log) Begin() {
	l.active = true
	l.undo = l.undo[:0]
}

// Record registers fn to run if the current transaction rolls back.
func (l *Log) Record(fn func()) {
	if l == nil || !l.active {
		return
	}
	l.undo = append(l.undo, fn)
}

// Commit closes the transaction and keeps every mutation.
func (l *Log) Commit() {
	l.active = false
	l.undo = l.undo[:0]
}

// Rollback reverts every recorded mutation in reverse order.
func (l *Log) Rollback() {
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
	l.active = false
	l.undo = l.undo[:0]
}

// Active reports whether a transaction is open.
func (l *Log) Active() bool {
	return l != nil && l.active
}

// Len returns the number of recorded closures.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	return len(l.undo)
}

// Guard rejects nested entry into a component.
type Guard struct {
	entered bool
}

// Enter marks the component busy or fails with ErrReentrantCall.
func (g *Guard) Enter() error {
	if g.entered {
		return ErrReentrantCall
	}
	g.entered = true
	return nil
}

// Exit releases the guard.
func (g *Guard) Exit() {
	g.entered = false
}

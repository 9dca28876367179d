// Package perishable counts crash-sensitive operations and, when armed, makes
// the Nth one "crash" by panicking with ErrExpired.
//
// Crash simulation works because every persisted store in hstore lands in
// mapped memory immediately: a test arms the counter, lets an operation panic
// part-way, drops the in-process state without cleanup, and reopens the heap
// from the same region files.
package perishable

import (
	"errors"
	"sync/atomic"
)

// ErrExpired is the panic value raised by Tick when the countdown reaches zero.
var ErrExpired = errors.New("perishable: expired")

var (
	ticks     atomic.Uint64
	countdown atomic.Int64 // <= 0 means disarmed
)

// Tick advances the operation counter. If the counter is armed and this is
// the expiring tick, Tick disarms itself and panics with ErrExpired.
func Tick() {
	ticks.Add(1)
	if countdown.Load() <= 0 {
		return
	}
	if countdown.Add(-1) == 0 {
		panic(ErrExpired)
	}
}

// Arm makes the nth subsequent Tick panic. n <= 0 disarms.
func Arm(n int64) {
	countdown.Store(n)
}

// Disarm cancels any pending expiry.
func Disarm() {
	countdown.Store(0)
}

// Armed reports whether an expiry is pending.
func Armed() bool {
	return countdown.Load() > 0
}

// Ticks returns the number of ticks since process start.
func Ticks() uint64 {
	return ticks.Load()
}

// Run calls f and reports whether it was cut short by an expiry. Panics other
// than ErrExpired are re-raised.
func Run(f func()) (expired bool) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, ErrExpired) {
				expired = true
				return
			}
			panic(r)
		}
	}()
	f()
	return false
}

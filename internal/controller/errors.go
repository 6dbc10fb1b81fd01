package controller

import "errors"

var (
	// ErrBusy is returned when an attempt is already in flight in this process.
	ErrBusy = errors.New("controller is already running")
	// ErrCancelled reports an operator-initiated stop.
	ErrCancelled = errors.New("evolution cancelled by operator")
	// ErrCircuitOpen reports that too many consecutive verifications errored.
	ErrCircuitOpen = errors.New("circuit breaker open: verification keeps erroring")
	// ErrHalted is returned by Run and Step after a fatal failure.
	ErrHalted = errors.New("controller halted")
)

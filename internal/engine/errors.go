package engine

import "errors"

// Sentinel errors for the engine and session contracts, compared with
// errors.Is.
var (
	// ErrSessionBusy is returned by Run while another run is in flight.
	ErrSessionBusy = errors.New("session busy: run already in flight")

	// ErrSessionDisposed is returned by Run after Dispose.
	ErrSessionDisposed = errors.New("session disposed")

	// ErrUnknownEngine is returned when an engine id resolves to nothing.
	ErrUnknownEngine = errors.New("unknown engine")
)

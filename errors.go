package loom

import "errors"

var (
	// ErrBusy is returned by synchronous agent operations while an
	// asynchronous turn is in flight. State is left unchanged.
	ErrBusy = errors.New("loom: agent busy")

	// ErrNoPubSub is returned by SendMessage when no bus is configured.
	// Without it the caller would wait forever for a broadcast.
	ErrNoPubSub = errors.New("loom: no pubsub configured")

	// ErrJobNotFound is returned by scheduler operations on unknown job names.
	ErrJobNotFound = errors.New("loom: job not found")

	// ErrJobRunning is returned by Trigger when the job already has a task
	// in flight.
	ErrJobRunning = errors.New("loom: job already running")

	// ErrSessionNotFound is returned by SessionStore.Load for unknown ids.
	ErrSessionNotFound = errors.New("loom: session not found")

	// ErrBusClosed is returned by MemoryBus operations after Close.
	ErrBusClosed = errors.New("loom: pubsub bus closed")
)

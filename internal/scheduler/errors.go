package scheduler

import "errors"

var (
	ErrAlreadyRunning = errors.New("scheduler dispatcher already running")
	ErrPassAborted    = errors.New("scheduler pass aborted by callback panic")
)

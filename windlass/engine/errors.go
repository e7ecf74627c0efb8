package engine

import "errors"

var (
	ErrTimedOut  = errors.New("timed out")
	ErrRunFailed = errors.New("run failed")
)

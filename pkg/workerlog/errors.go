package workerlog

import "errors"

var (
	ErrUnknownLevel   = errors.New("unknown log level")
	ErrUnknownChannel = errors.New("unknown output channel")
	ErrPIDAlreadySet  = errors.New("pid already set")
)

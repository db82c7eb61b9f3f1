package common

import "errors"

var (
	ErrNoServer = errors.New("server not created yet")
)

// Daemon exit codes, sysexits(3) style.
const (
	ExitOK       = 0
	ExitConfig   = 64
	ExitStore    = 69
	ExitInternal = 70
)

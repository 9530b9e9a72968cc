//go:build !windows

package liveness

import (
	"os"
	"syscall"
)

// StopSignal is the only signal that ends Run.
var StopSignal os.Signal = syscall.SIGUSR2

// SIGPIPE is trapped so a write to a closed stdout returns EPIPE instead of
// killing the process.
var trapped = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE, syscall.SIGUSR2}

func isStop(sig os.Signal) bool { return sig == syscall.SIGUSR2 }

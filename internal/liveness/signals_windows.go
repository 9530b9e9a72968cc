//go:build windows

package liveness

import "os"

// StopSignal is nil on windows; Run stops through its context or Stop.
var StopSignal os.Signal

var trapped = []os.Signal{os.Interrupt}

func isStop(os.Signal) bool { return false }

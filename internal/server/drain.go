package server

import "sync/atomic"

var draining atomic.Bool

// SetDraining flips the flag read by the /health endpoint so a load
// balancer stops sending new traffic during graceful shutdown.
func SetDraining(on bool) { draining.Store(on) }

// IsDraining reports whether the process is currently draining.
func IsDraining() bool { return draining.Load() }

package htlcswitch

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger, mirroring the teacher's
// per-package sub-logger convention.
func UseLogger(l btclog.Logger) { log = l }

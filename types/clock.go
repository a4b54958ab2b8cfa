package types

import "time"

// Clock abstracts the wall-clock time source so freshness windows, cache
// TTLs and expiry sweeps are deterministically testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so lifecycle decisions can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// System reads the process clock in UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func NewSystem() Clock {
	return System{}
}

var Module = fx.Module("clock",
	fx.Provide(NewSystem),
)

// Package common holds the types shared by every ledger component: the
// CoreContext handed to each operation, transaction kinds, money helpers and
// calendar periods.
package common

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/FACorreiaa/finance-ledger/pkg/db"
)

// Clock abstracts wall-clock reads so period logic is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// CoreContext carries the store handle, clock and logger into every
// operation. There is no package-level state.
type CoreContext struct {
	DB       *db.DB
	Clock    Clock
	Logger   zerolog.Logger
	Location *time.Location
}

// NewCoreContext fills unset fields with the system clock and local zone.
func NewCoreContext(database *db.DB, clock Clock, logger zerolog.Logger, loc *time.Location) CoreContext {
	if clock == nil {
		clock = SystemClock{}
	}
	if loc == nil {
		loc = time.Local
	}
	return CoreContext{DB: database, Clock: clock, Logger: logger, Location: loc}
}

// Now is the current instant in the store's calendar zone.
func (c CoreContext) Now() time.Time {
	return c.Clock.Now().In(c.Location)
}

// Today is the current calendar day in the store's zone.
func (c CoreContext) Today() time.Time {
	return CivilDay(c.Clock.Now(), c.Location)
}

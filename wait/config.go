package wait

import "time"

// Config carries the tunables spec.md §4.I names, all overridable so
// tests can shrink the timeouts rather than wait out the production
// defaults.
type Config struct {
	// SyncWaitTimeout bounds a single wait_for_io attempt (spec.md §4.I
	// "arms a timer for a fixed timeout (≈ 40s)").
	SyncWaitTimeout time.Duration

	// TimeoutRetries bounds how many times the outer loop may re-arm
	// SyncWaitTimeout after a HOST_TIMEOUT round-trip, so the total wall
	// time is bounded at SyncWaitTimeout * (TimeoutRetries+1).
	TimeoutRetries int

	// ReservationConflictRetries bounds RESERVATION_CONFLICT retries
	// before DontRetryOnReservConflict is latched on the target.
	ReservationConflictRetries int

	// HostErrorRetryCap bounds retries on an unclassified HOST_ERROR.
	HostErrorRetryCap int

	// BusyResetSleep is the backoff between HOST_BUS_BUSY / device BUSY
	// / HOST_RESET retries.
	BusyResetSleep time.Duration

	// ReservationBackoffStart is the first RESERVATION_CONFLICT retry's
	// sleep; it grows linearly by this amount per attempt.
	ReservationBackoffStart time.Duration

	// UnitAttentionRetries bounds UNIT_ATTENTION retries.
	UnitAttentionRetries int

	// AbortedCmdRetries bounds CHECK+ABORTED_CMD retries.
	AbortedCmdRetries int
}

// DefaultConfig returns the production tunables spec.md §4.I lists.
func DefaultConfig() Config {
	return Config{
		SyncWaitTimeout:            40 * time.Second,
		TimeoutRetries:             2,
		ReservationConflictRetries: 8,
		HostErrorRetryCap:          3,
		BusyResetSleep:             50 * time.Millisecond,
		ReservationBackoffStart:    100 * time.Millisecond,
		UnitAttentionRetries:       3,
		AbortedCmdRetries:          3,
	}
}

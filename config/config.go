// Package config carries the mid-layer's tunables as a Config struct
// built via functional options, the way the retrieval pack's SP session
// initializers do (WithAuth/WithMaxComPacketSize/WithReceiveTimeout):
// sensible defaults from New(), overridden selectively by callers that
// need to.
package config

import (
	"time"

	"github.com/coreos/go-scsi-midlayer/scheduler"
	"github.com/coreos/go-scsi-midlayer/wait"
)

// Config is the mid-layer's full set of runtime tunables.
type Config struct {
	// MaxHandles records the handle table size (spec.md §4.D). It is not
	// passed to handle.NewTable: the table always has handle.N slots and
	// the handle ID packs gen*handle.N + slot.
	MaxHandles int

	// MaxAdapters is not enforced anywhere in this module: nothing reads
	// it, and the registry itself has no fixed limit.
	MaxAdapters int

	// Default per-world scheduler shares (spec.md §4.F).
	SharesLow, SharesNormal, SharesHigh int
	PerWorldCap                         int

	// BouncePoolPages sizes the reserved low-memory bounce pool PAE
	// copying draws from (spec.md §4.G "PAE copy").
	BouncePoolPages int

	// Wait carries the synchronous-wait retry/backoff tunables of
	// spec.md §4.I; kept as the wait package's own Config type rather
	// than duplicated fields, since wait.TimedWait takes it directly.
	Wait wait.Config

	// UseLunReset mirrors the global USE_LUNRESET switch spec.md §4.G's
	// Reset operation consults.
	UseLunReset bool

	// PassthroughLocking is handle.NewTable's passthroughLocking flag:
	// when set, a target of a non-disk class refuses a second concurrent
	// open of the same partition (spec.md §4.D).
	PassthroughLocking bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// New builds a Config from the production defaults, overridden by opts
// in order.
func New(opts ...Option) Config {
	c := Config{
		MaxHandles:      256,
		MaxAdapters:     64,
		SharesLow:       scheduler.SharesLow,
		SharesNormal:    scheduler.SharesNormal,
		SharesHigh:      scheduler.SharesHigh,
		PerWorldCap:     32,
		BouncePoolPages: 1024,
		Wait:            wait.DefaultConfig(),
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func WithMaxHandles(n int) Option {
	return func(c *Config) { c.MaxHandles = n }
}

func WithMaxAdapters(n int) Option {
	return func(c *Config) { c.MaxAdapters = n }
}

func WithShares(low, normal, high int) Option {
	return func(c *Config) { c.SharesLow, c.SharesNormal, c.SharesHigh = low, normal, high }
}

func WithPerWorldCap(n int) Option {
	return func(c *Config) { c.PerWorldCap = n }
}

func WithBouncePoolPages(n int) Option {
	return func(c *Config) { c.BouncePoolPages = n }
}

func WithUseLunReset(v bool) Option {
	return func(c *Config) { c.UseLunReset = v }
}

func WithPassthroughLocking(v bool) Option {
	return func(c *Config) { c.PassthroughLocking = v }
}

func WithSyncWaitTimeout(d time.Duration) Option {
	return func(c *Config) { c.Wait.SyncWaitTimeout = d }
}

func WithTimeoutRetries(n int) Option {
	return func(c *Config) { c.Wait.TimeoutRetries = n }
}

func WithReservationConflictRetries(n int) Option {
	return func(c *Config) { c.Wait.ReservationConflictRetries = n }
}

func WithHostErrorRetryCap(n int) Option {
	return func(c *Config) { c.Wait.HostErrorRetryCap = n }
}

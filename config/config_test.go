package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c := New()
	require.Equal(t, 256, c.MaxHandles)
	require.Equal(t, 40*time.Second, c.Wait.SyncWaitTimeout)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := New(
		WithMaxHandles(64),
		WithShares(100, 200, 400),
		WithSyncWaitTimeout(5*time.Second),
		WithReservationConflictRetries(2),
	)
	require.Equal(t, 64, c.MaxHandles)
	require.Equal(t, 100, c.SharesLow)
	require.Equal(t, 200, c.SharesNormal)
	require.Equal(t, 400, c.SharesHigh)
	require.Equal(t, 5*time.Second, c.Wait.SyncWaitTimeout)
	require.Equal(t, 2, c.Wait.ReservationConflictRetries)
}

package wait

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
)

func checkCondition(sk byte, asc uint16) token.Result {
	var sense [18]byte
	sense[2] = sk
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return token.Result{HostStatus: scsi.HostOK, DeviceStatus: scsi.SamStatCheckCondition, Sense: sense}
}

func TestClassifySuccess(t *testing.T) {
	res := token.Result{HostStatus: scsi.HostOK, DeviceStatus: scsi.SamStatGood}
	act, kind := classify(res, false, false, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeDone, act)
	require.Equal(t, KindOK, kind)
}

func TestClassifyTimeoutRetriesAfterAbort(t *testing.T) {
	act, _ := classify(token.Result{}, true, false, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeRetryAfterAbort, act)
}

func TestClassifyReservationConflictRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	res := token.Result{HostStatus: scsi.HostOK, DeviceStatus: scsi.SamStatReservationConflict}

	act, _ := classify(res, false, false, attemptState{reservConflicts: cfg.ReservationConflictRetries - 1}, cfg)
	require.Equal(t, outcomeRetrySameCommand, act)

	act, _ = classify(res, false, false, attemptState{reservConflicts: cfg.ReservationConflictRetries}, cfg)
	require.Equal(t, outcomeFail, act)
}

func TestClassifyDeviceNotReadyIsTerminal(t *testing.T) {
	res := checkCondition(scsi.SenseNotReady, scsi.AscLunNotReady)
	act, kind := classify(res, false, true, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeFail, act)
	require.Equal(t, KindNotReady, kind)
}

func TestClassifyWriteProtected(t *testing.T) {
	res := checkCondition(scsi.SenseDataProtect, 0)
	act, kind := classify(res, false, false, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeFail, act)
	require.Equal(t, KindWriteProtected, kind)
}

func TestClassifyUnitAttentionRetriesThenFails(t *testing.T) {
	cfg := DefaultConfig()
	res := checkCondition(scsi.SenseUnitAttention, 0)

	act, _ := classify(res, false, false, attemptState{unitAttentions: cfg.UnitAttentionRetries - 1}, cfg)
	require.Equal(t, outcomeRetrySameCommand, act)

	act, _ = classify(res, false, false, attemptState{unitAttentions: cfg.UnitAttentionRetries}, cfg)
	require.Equal(t, outcomeFail, act)
}

func TestClassifyHostBusyAndResetRetry(t *testing.T) {
	cfg := DefaultConfig()
	for _, hs := range []int{scsi.HostBusBusy, scsi.HostReset} {
		act, _ := classify(token.Result{HostStatus: hs}, false, false, attemptState{}, cfg)
		require.Equal(t, outcomeRetrySameCommand, act)
	}
}

func TestClassifyHostAbortIsInvalidTargetButTerminal(t *testing.T) {
	act, kind := classify(token.Result{HostStatus: scsi.HostAbort}, false, false, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeFail, act)
	require.Equal(t, KindInvalidTarget, kind)
}

func TestClassifyPathDeadIsNoConnect(t *testing.T) {
	act, kind := classify(token.Result{HostStatus: scsi.HostNoConnect}, false, false, attemptState{}, DefaultConfig())
	require.Equal(t, outcomeFail, act)
	require.Equal(t, KindNoConnect, kind)
}

func TestClassifyHostErrorRetriesUpToCap(t *testing.T) {
	cfg := DefaultConfig()
	res := token.Result{HostStatus: scsi.HostError}

	act, _ := classify(res, false, false, attemptState{hostErrors: cfg.HostErrorRetryCap - 1}, cfg)
	require.Equal(t, outcomeRetrySameCommand, act)

	act, _ = classify(res, false, false, attemptState{hostErrors: cfg.HostErrorRetryCap}, cfg)
	require.Equal(t, outcomeFail, act)
}

package wait

import (
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
)

// outcome is the result of classifying one attempt's token.Result
// against spec.md §4.I's table.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRetrySameCommand // sleep, then reissue with a fresh token/serial
	outcomeRetryAfterAbort  // HOST_TIMEOUT: abort first, then reissue
	outcomeFail
)

// ErrorKind is the caller-facing classification of a failed wait,
// mirroring spec.md §4.I's named returns.
type ErrorKind int

const (
	KindOK ErrorKind = iota
	KindNotReady
	KindNoConnect
	KindInvalidTarget
	KindWriteProtected
	KindGeneric
)

func deviceNotReady(sense []byte) bool {
	return scsi.SenseKey(sense) == scsi.SenseNotReady && scsi.ASC(sense) == scsi.AscLunNotReady
}

// classify implements spec.md §4.I's status table. A manual-switchover
// target's NOT_READY case relies on the completion pipeline's failover
// trigger rather than a wait-loop retry, so it's terminal here either
// way; switchoverCapable is taken only to document that this is a
// deliberate choice, not an oversight.
func classify(res token.Result, timedOut, switchoverCapable bool, attempt attemptState, cfg Config) (outcome, ErrorKind) {
	if timedOut {
		return outcomeRetryAfterAbort, KindGeneric
	}

	if res.HostStatus == scsi.HostOK && res.DeviceStatus == scsi.SamStatGood {
		return outcomeDone, KindOK
	}

	if res.DeviceStatus == scsi.SamStatCheckCondition {
		switch sk := scsi.SenseKey(res.Sense[:]); {
		case sk == scsi.SenseNotReady && deviceNotReady(res.Sense[:]):
			return outcomeFail, KindNotReady
		case sk == scsi.SenseDataProtect:
			return outcomeFail, KindWriteProtected
		case sk == scsi.SenseUnitAttention:
			return retryOrFail(attempt.unitAttentions, cfg.UnitAttentionRetries)
		case sk == scsi.SenseAbortedCommand:
			return retryOrFail(attempt.abortedCmds, cfg.AbortedCmdRetries)
		}
	}

	switch res.DeviceStatus {
	case scsi.SamStatReservationConflict:
		return retryOrFail(attempt.reservConflicts, cfg.ReservationConflictRetries)
	case scsi.SamStatBusy:
		return outcomeRetrySameCommand, KindGeneric
	}

	switch res.HostStatus {
	case scsi.HostBusBusy, scsi.HostReset:
		return outcomeRetrySameCommand, KindGeneric
	case scsi.HostTimeout:
		return outcomeRetryAfterAbort, KindGeneric
	case scsi.HostAbort:
		return outcomeFail, KindInvalidTarget
	case scsi.HostNoConnect:
		return outcomeFail, KindNoConnect
	case scsi.HostError:
		return retryOrFail(attempt.hostErrors, cfg.HostErrorRetryCap)
	}

	return outcomeFail, KindGeneric
}

func retryOrFail(count, limit int) (outcome, ErrorKind) {
	if count < limit {
		return outcomeRetrySameCommand, KindGeneric
	}
	return outcomeFail, KindGeneric
}

// attemptState tracks per-reason retry counts across the outer loop; it
// does not reset across HOST_TIMEOUT-driven reissues, since those are
// new attempts of the same logical command, not a fresh budget.
type attemptState struct {
	reservConflicts int
	unitAttentions  int
	abortedCmds     int
	hostErrors      int
	timeouts        int
}

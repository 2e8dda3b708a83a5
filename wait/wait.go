// Package wait implements the synchronous wait-with-timeout-and-retry
// loop of spec.md §4.I: the upper-layer-facing call that issues a
// command, waits for completion or timeout, and retries or classifies
// the final status per a fixed table.
package wait

import (
	"time"

	"github.com/coreos/go-scsi-midlayer/command"
	"github.com/coreos/go-scsi-midlayer/handle"
	"github.com/coreos/go-scsi-midlayer/issue"
	"github.com/coreos/go-scsi-midlayer/scsi"
	"github.com/coreos/go-scsi-midlayer/token"
	"github.com/coreos/go-scsi-midlayer/topology"
)

// Result is what TimedWait hands back to the upper layer: the final
// token.Result it saw (whatever attempt produced it) plus the
// spec-named classification of that outcome.
type Result struct {
	token.Result
	Kind ErrorKind
}

// TimedWait issues cmd through pl repeatedly, per spec.md §4.I's retry
// table, until it succeeds, a terminal classification is reached, or
// the outer wall-time bound (SyncWaitTimeout * (TimeoutRetries+1)) is
// exhausted. cmd is reused across attempts: issue.Pipeline.Execute
// re-stamps origin_handle_id/origin_sn on it per attempt and clones it
// before dispatch, so the caller's CDB/SG payload is never mutated.
func TimedWait(pl *issue.Pipeline, h *handle.Handle, cmd *command.Command, opt issue.Options, cfg Config) Result {
	switchoverCapable := h.Target.VendorFlags&topology.FlagSupportsManualSwitchover != 0
	var attempt attemptState

	deadline := time.Now().Add(cfg.SyncWaitTimeout * time.Duration(cfg.TimeoutRetries+1))

	for {
		res, timedOut, refused := attemptOnce(pl, h, cmd, opt, cfg.SyncWaitTimeout)
		if refused {
			// Execute rejected the command outright (invalid handle,
			// read-only, partition guard, bad type): nothing to retry.
			return Result{Result: res, Kind: KindGeneric}
		}

		act, kind := classify(res, timedOut, switchoverCapable, attempt, cfg)

		switch act {
		case outcomeDone:
			if h.Target.DontRetryOnReservConflict() {
				h.Target.SetDontRetryOnReservConflict(false)
			}
			return Result{Result: res, Kind: KindOK}

		case outcomeFail:
			if res.DeviceStatus == scsi.SamStatReservationConflict {
				h.Target.SetDontRetryOnReservConflict(true)
			}
			return Result{Result: res, Kind: kind}

		case outcomeRetrySameCommand:
			if res.DeviceStatus == scsi.SamStatReservationConflict && h.Target.DontRetryOnReservConflict() {
				return Result{Result: res, Kind: KindGeneric}
			}
			sleep := retryDelay(res, &attempt, cfg)
			if time.Now().Add(sleep).After(deadline) {
				return Result{Result: res, Kind: KindGeneric}
			}
			time.Sleep(sleep)
			continue

		case outcomeRetryAfterAbort:
			attempt.timeouts++
			if attempt.timeouts > cfg.TimeoutRetries {
				return Result{Result: res, Kind: KindGeneric}
			}
			abortTimedOutCommand(pl, h, cmd.OriginSN, cfg)
			if time.Now().After(deadline) {
				return Result{Result: res, Kind: KindGeneric}
			}
			continue
		}
	}
}

// attemptOnce issues cmd once and waits up to timeout for completion,
// returning the token's result, whether the timeout fired first
// (spec.md §4.I "If the timeout fires first, io_timed_out is set"), and
// whether Execute refused the command before it was ever dispatched.
func attemptOnce(pl *issue.Pipeline, h *handle.Handle, cmd *command.Command, opt issue.Options, timeout time.Duration) (res token.Result, timedOut bool, refused bool) {
	tok, err := pl.Execute(h, cmd, opt)
	if err != nil {
		return token.Result{}, false, true
	}

	timer := time.AfterFunc(timeout, tok.IOTimedOut)
	tok.WaitForIO()
	timedOut = !timer.Stop() && tok.HasFlag(token.FlagTimedOut)

	res = tok.Result()
	tok.Release()
	return res, timedOut, false
}

// abortTimedOutCommand implements spec.md §4.I's SCSIAbortTimedOutCommand:
// it retries the abort with linearly growing backoff, at most
// HostErrorRetryCap+1 times, stopping early once it succeeds or the
// device confirms the command is no longer running (abort-not-running
// counts as success here, not a failure to retry past).
func abortTimedOutCommand(pl *issue.Pipeline, h *handle.Handle, sn uint64, cfg Config) {
	backoff := cfg.ReservationBackoffStart
	for attempt := 0; attempt < cfg.HostErrorRetryCap+1; attempt++ {
		err := pl.Abort(h, sn)
		if err == nil || err == issue.ErrAbortNotRunning {
			return
		}
		time.Sleep(backoff)
		backoff += cfg.ReservationBackoffStart
	}
}

// retryDelay picks the backoff for one outcomeRetrySameCommand attempt
// and bumps the matching per-reason counter in attempt.
func retryDelay(res token.Result, attempt *attemptState, cfg Config) time.Duration {
	switch res.DeviceStatus {
	case scsi.SamStatReservationConflict:
		attempt.reservConflicts++
		return cfg.ReservationBackoffStart * time.Duration(attempt.reservConflicts)
	case scsi.SamStatBusy:
		return cfg.BusyResetSleep
	case scsi.SamStatCheckCondition:
		switch scsi.SenseKey(res.Sense[:]) {
		case scsi.SenseUnitAttention:
			attempt.unitAttentions++
		case scsi.SenseAbortedCommand:
			attempt.abortedCmds++
		}
		return cfg.BusyResetSleep
	}
	if res.HostStatus == scsi.HostError {
		attempt.hostErrors++
	}
	return cfg.BusyResetSleep
}

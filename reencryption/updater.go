package reencryption

import (
	"context"
	"time"

	"github.com/ledgerwatch/log/v3"
)

// Updater is the single goroutine that consumes Batch completions in
// submission order and applies them to the namespace under the write
// lock. It never competes with itself: there is exactly one Updater for
// the whole process, fanning in across every zone's
// zoneSubmissionTracker.
type Updater struct {
	cfg    *Config
	ns     Namespace
	store  *StatusStore
	h      *Handler
	logger log.Logger

	quit chan struct{}
}

func newUpdater(cfg *Config, ns Namespace, store *StatusStore, h *Handler, logger log.Logger) *Updater {
	if logger == nil {
		logger = log.Root()
	}
	return &Updater{cfg: cfg, ns: ns, store: store, h: h, logger: logger, quit: make(chan struct{})}
}

func (u *Updater) stop() {
	close(u.quit)
}

// run repeatedly scans every zone with a tracker for a completed head
// future, applies it, and checks for zone finalization. A short sleep
// between empty scans keeps this from busy-looping while every tracker is
// either empty or blocked on an in-flight KMS call.
func (u *Updater) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.quit:
			return
		default:
		}

		progressed := u.scanOnce(ctx)
		if !progressed {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			case <-u.quit:
				return
			}
		}
	}
}

// scanOnce visits every zone currently tracked and applies at most one
// ready batch per zone, so no single zone can starve the others. Returns
// true if any batch was applied or any zone was finalized.
func (u *Updater) scanOnce(ctx context.Context) bool {
	u.h.mu.Lock()
	zones := make([]ZoneId, 0, len(u.h.submissions))
	trackers := make([]*zoneSubmissionTracker, 0, len(u.h.submissions))
	for z, t := range u.h.submissions {
		zones = append(zones, z)
		trackers = append(trackers, t)
	}
	u.h.mu.Unlock()

	progressed := false
	for i, zone := range zones {
		if u.applyHead(ctx, zone, trackers[i]) {
			progressed = true
		}
		if trackers[i].drained() {
			u.finalizeZone(zone)
			u.h.mu.Lock()
			delete(u.h.submissions, zone)
			u.h.mu.Unlock()
			progressed = true
		}
	}
	return progressed
}

// applyHead drains the tracker's head future, if its result is already
// available, and applies it under the namespace write lock. It does not
// block waiting for a result that has not arrived yet, so scanOnce can
// move on to other zones.
func (u *Updater) applyHead(ctx context.Context, zone ZoneId, tracker *zoneSubmissionTracker) bool {
	f, ok := tracker.popFront()
	if !ok {
		return false
	}

	var result BatchResult
	select {
	case result = <-f:
	default:
		// Not ready yet: put it back at the head so order is preserved.
		tracker.pushFront(f)
		return false
	}

	u.applyResult(ctx, zone, result)
	return true
}

// applyResult applies one completed batch: per-record apply under the
// write lock, skip-vs-fail accounting, and periodic durable
// checkpointing.
func (u *Updater) applyResult(ctx context.Context, zone ZoneId, result BatchResult) {
	if result.Batch.Empty() {
		return // the zero-file fast path from addDummyTracker: nothing to apply
	}

	st, ok := u.store.Get(zone)
	if !ok {
		return
	}
	if st.Canceled {
		return
	}

	if result.Err != nil {
		st.NumFailures += int64(result.Failures)
		u.store.Put(st)
		Failures.WithLabelValues(zoneLabel(zone), "batch_failed").Inc()
		u.logger.Warn("reencryption: discarding failed batch", "zone", zone, "batch", result.Batch.ID(), "err", result.Err)
		return
	}

	wtx, err := u.ns.WriteTx(ctx)
	if err != nil {
		u.logger.Error("reencryption: could not acquire write lock", "zone", zone, "err", err)
		st.NumFailures += int64(result.Batch.Len())
		u.store.Put(st)
		return
	}

	cur, ok, err := wtx.GetZoneStatus(zone)
	if err == nil && ok && cur.Canceled {
		wtx.Rollback()
		st.Canceled = true
		u.store.Put(st)
		return
	}

	sinceCheckpoint := 0
	for _, rec := range result.Batch.Records {
		applied, err := wtx.SetFileEncryptionInfo(rec.InodeId, rec.NewEDEK, st.EZKeyVersionName)
		if err != nil {
			u.logger.Warn("reencryption: apply failed for record", "zone", zone, "path", rec.Path(), "err", err)
			st.NumFailures++
			continue
		}
		if !applied {
			// File deleted or moved since discovery: a skip, not a failure.
			u.logger.Info("reencryption: record skipped, file no longer present", "zone", zone, "path", rec.Path())
			continue
		}
		st.FilesReencrypted++
		st.LastCheckpointFile = rec.Path()
		FilesReencrypted.WithLabelValues(zoneLabel(zone)).Inc()
		sinceCheckpoint++

		if sinceCheckpoint >= u.cfg.UpdaterCheckpointEvery {
			if err := u.checkpoint(wtx, st); err != nil {
				u.logger.Error("reencryption: checkpoint failed", "zone", zone, "err", err)
				wtx.Rollback()
				st.NumFailures += int64(result.Batch.Len() - sinceCheckpoint)
				u.store.Put(st)
				return
			}
			sinceCheckpoint = 0
		}
	}

	st.BatchesCompleted++
	if err := u.checkpoint(wtx, st); err != nil {
		u.logger.Error("reencryption: final checkpoint failed for batch", "zone", zone, "batch", result.Batch.ID(), "err", err)
		wtx.Rollback()
		return
	}
	if err := wtx.Commit(); err != nil {
		u.logger.Error("reencryption: commit failed for batch", "zone", zone, "batch", result.Batch.ID(), "err", err)
		return
	}
	u.store.Put(st)

	if u.h.totalPendingTasks() >= 2*u.h.throttle.cores {
		// Voluntary pause: let the coordinator's backlog axis catch up
		// before this goroutine takes the write lock again.
		time.Sleep(10 * time.Millisecond)
	}
}

// checkpoint durably records st before the write transaction commits, so
// a crash between this call and Commit never loses more than the current
// in-flight batch's progress.
func (u *Updater) checkpoint(wtx WriteTx, st ZoneStatus) error {
	return wtx.UpdateZoneStatus(st)
}

// finalizeZone gives a fully-drained zone its terminal phase: Canceled if
// it was canceled, Failed if it has failures and no re-encrypted file,
// otherwise Completed. The status stays in the store; scanOnce removes the
// zone's tracker.
func (u *Updater) finalizeZone(zone ZoneId) {
	st, ok := u.store.Get(zone)
	if !ok {
		return
	}
	if st.Canceled {
		st.Phase = PhaseCanceled
	} else if st.NumFailures > 0 && st.FilesReencrypted == 0 {
		st.Phase = PhaseFailed
	} else {
		st.Phase = PhaseCompleted
	}
	u.store.Put(st)
	u.logger.Info("reencryption: zone finalized", "zone", zone, "phase", st.Phase, "filesReencrypted", st.FilesReencrypted, "failures", st.NumFailures)
}

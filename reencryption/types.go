// Package reencryption implements the re-encryption coordinator: the
// handler/updater pair that walks an encryption zone, batches EDEKs for
// the KMS, and applies re-wrapped keys back to the namespace under lock.
package reencryption

import "time"

// ZoneId is the opaque identifier of the root inode of an encryption zone.
type ZoneId int64

// Phase is a zone's position in its state machine.
type Phase string

const (
	PhaseSubmitted  Phase = "Submitted"
	PhaseProcessing Phase = "Processing"
	PhaseCompleted  Phase = "Completed"
	PhaseCanceled   Phase = "Canceled"
	PhaseFailed     Phase = "Failed"
)

// ZoneStatus is the per-zone record persisted via the namespace's
// extended-attribute mechanism. Only the core's own process reads or
// writes the in-memory copy returned by ListStatus; the durable copy is
// round-tripped through Namespace.GetZoneStatus/UpdateZoneStatus.
type ZoneStatus struct {
	Zone             ZoneId
	Phase            Phase
	EZKeyVersionName string

	// LastCheckpointFile is the full path of the last file whose update has
	// been durably recorded. Empty at a fresh start. Monotone in the
	// lexicographic traversal order of the tree snapshot in effect when the
	// run started.
	LastCheckpointFile string

	FilesReencrypted int64
	NumFailures      int64

	// Canceled is sticky: once set, the coordinator observes it between
	// batches and the updater discards in-flight results for the zone.
	Canceled bool

	// BatchesSubmitted/BatchesCompleted are additive observability counters
	// surfaced by ListStatus (BatchesSubmitted also has its own prometheus
	// counter; BatchesCompleted has no metric); no coordinator/updater
	// decision depends on them.
	BatchesSubmitted int64
	BatchesCompleted int64
}

// Active reports whether the zone still belongs to the working set, i.e.
// has not reached one of the three terminal phases.
func (s ZoneStatus) Active() bool {
	switch s.Phase {
	case PhaseCompleted, PhaseCanceled, PhaseFailed:
		return false
	default:
		return true
	}
}

// EdekRecord is the per-file record mutated exactly twice in its
// lifetime: once at creation (ExistingEDEK captured under the read lock)
// and once at result application (NewEDEK set after the KMS call,
// before the updater consumes it).
type EdekRecord struct {
	InodeId      int64
	ParentPath   string
	FileName     string
	ExistingEDEK []byte
	NewEDEK      []byte

	// SubmittedAt is stamped when the owning Batch is handed to the pool;
	// consulted only by the batch-latency metric.
	SubmittedAt time.Time
}

// Path reassembles the full path at the time the record was created. The
// updater re-resolves liveness against the namespace rather than trusting
// this string for anything but logging.
func (r EdekRecord) Path() string {
	if r.ParentPath == "" {
		return r.FileName
	}
	return r.ParentPath + "/" + r.FileName
}

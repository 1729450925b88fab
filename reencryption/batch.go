package reencryption

import "github.com/google/uuid"

// Batch is an ordered, immutable-once-submitted sequence of EDEK records
// bound for one KMS call and one apply step. Ownership passes from the
// Coordinator, which exclusively owns the accumulating batch, to the Pool
// while in-flight, to the Updater once completed and until applied.
type Batch struct {
	id   uuid.UUID
	Zone ZoneId

	// FirstFilePath is recorded for logs only, taken from the first record
	// appended.
	FirstFilePath string

	Records []EdekRecord
}

// newBatch creates an empty batch for a zone with capacity for batchSize
// records.
func newBatch(zone ZoneId, batchSize int) *Batch {
	return &Batch{
		id:      uuid.New(),
		Zone:    zone,
		Records: make([]EdekRecord, 0, batchSize),
	}
}

// ID is a stable identifier used only in logs and metrics labels.
func (b *Batch) ID() string { return b.id.String() }

// Append adds a record to the accumulating batch, recording FirstFilePath
// on the first call.
func (b *Batch) Append(r EdekRecord) {
	if len(b.Records) == 0 {
		b.FirstFilePath = r.Path()
	}
	b.Records = append(b.Records, r)
}

// Len reports how many records the batch currently holds.
func (b *Batch) Len() int { return len(b.Records) }

// Full reports whether the batch has reached the configured batch size.
func (b *Batch) Full(batchSize int) bool { return len(b.Records) >= batchSize }

// Empty reports whether the batch holds no records, the case the worker
// pool fast-paths into a zero-file result, used by AddDummyTracker for
// zones with nothing eligible to re-encrypt.
func (b *Batch) Empty() bool { return len(b.Records) == 0 }

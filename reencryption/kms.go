package reencryption

import "context"

// KMSClient is the external Key Management Service collaborator. A
// single call re-wraps every EDEK in the batch; the client owns its own
// retry policy, since this module never retries a KMS call itself.
//
// The contract is all-or-nothing: either every record in records comes
// back with NewEDEK populated, or err is non-nil and the whole batch is
// counted as failed. A KMS that surfaces per-entry status would need a
// richer return type; nothing in this module assumes partial success
// today.
type KMSClient interface {
	ReencryptEncryptedKeys(ctx context.Context, records []EdekRecord, targetKeyVersion string) ([]EdekRecord, error)
}

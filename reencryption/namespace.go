package reencryption

import "context"

// Namespace is the out-of-scope external collaborator: the inode tree,
// its locking primitives, and extended-attribute persistence. It is
// expressed here the way `gateway-fm/cdk-erigon-lib/kv` shapes a
// transactional KV store. ReadTx/WriteTx mirror kv.Tx/kv.RwTx's
// BeginRo/BeginRw, since that is the idiom every namespace-adjacent
// package in the teacher (`zk/hermez_db`, `zk/stages`) already uses for
// "acquire a scoped handle, do work, release it".
//
// The Coordinator only ever calls ReadTx; the Updater only ever calls
// WriteTx. Neither performs a blocking KMS call while holding the
// returned handle.
type Namespace interface {
	// ReadTx acquires the namespace read lock and returns a handle scoped
	// to it. The caller must call Close (directly or via the returned
	// ReadTx's lifetime) to release the lock.
	ReadTx(ctx context.Context) (ReadTx, error)

	// WriteTx acquires the namespace write lock and returns a handle
	// scoped to it.
	WriteTx(ctx context.Context) (WriteTx, error)

	// CheckOperation reports whether the given operation kind is
	// currently permitted (authorization/quota checks external to this
	// module). Any non-nil error, ErrSafeMode included, is treated as a
	// transient RetryLater condition.
	CheckOperation(op OperationKind) error

	// CheckSafeMode reports whether the namespace is in safe mode, in
	// which no write may proceed.
	CheckSafeMode() (bool, error)
}

// OperationKind distinguishes namespace operations subject to
// CheckOperation; this module only ever checks Write.
type OperationKind int

const (
	OpWrite OperationKind = iota
)

// ChildRef is one entry returned by ListChildren: enough to decide
// whether to descend, re-encrypt, or skip, without pulling the full
// inode.
type ChildRef struct {
	Name       string
	InodeId    int64
	IsDir      bool
	IsEZRoot   bool // true for a nested encryption zone root
	Encrypted  bool
	EDEK       []byte
	KeyVersion string
}

// ReadTx is a read-scoped namespace handle, modeled on kv.Tx.
type ReadTx interface {
	// GetInode resolves an inode id to its current path, or ok=false if
	// it no longer exists (deleted/moved since discovery).
	GetInode(id int64) (path string, ok bool, err error)

	// ListChildren lists the children of dir in the namespace's
	// lexicographic ordering, starting strictly after startAfter ("" lists
	// from the beginning).
	ListChildren(dir string, startAfter string) ([]ChildRef, error)

	// GetINodesInPath resolves every path element to its current inode id,
	// used by the Coordinator to reconstruct a resume path stack. Returns
	// as many elements as still exist, in root-to-leaf order.
	GetINodesInPath(path string) ([]int64, error)

	// IsEncryptionZoneRoot reports whether the given inode is itself an
	// encryption zone root. The Coordinator's walk does not call it: it
	// decides nested-EZ skips from ChildRef.IsEZRoot.
	IsEncryptionZoneRoot(inodeId int64) (bool, error)

	// GetZoneStatus reads the durable status blob for a zone.
	GetZoneStatus(zone ZoneId) (ZoneStatus, bool, error)

	Close()
}

// WriteTx is a write-scoped namespace handle, modeled on kv.RwTx.
type WriteTx interface {
	// SetFileEncryptionInfo atomically updates the file's encryption
	// metadata. Returns ok=false (not an error) if the inode no longer
	// exists or has moved since the record was created: the updater
	// counts this as a skip, not a failure.
	SetFileEncryptionInfo(inodeId int64, newEDEK []byte, keyVersion string) (ok bool, err error)

	// UpdateZoneStatus durably writes the zone status. Must be durable
	// before Commit returns, so a crash right after commit never loses
	// more progress than the in-flight batch.
	UpdateZoneStatus(status ZoneStatus) error

	// GetZoneStatus reads the status within the same write transaction,
	// used by the Updater to check for concurrent cancellation before
	// applying.
	GetZoneStatus(zone ZoneId) (ZoneStatus, bool, error)

	Commit() error
	Rollback()
}

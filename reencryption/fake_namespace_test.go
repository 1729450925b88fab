package reencryption

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// fakeClock and fakeStopwatch give throttle tests a deterministic elapsed
// time instead of racing against wall-clock sleeps.
type fakeClock struct{ watches []*fakeStopwatch }

func (c *fakeClock) NewStopwatch() Stopwatch {
	w := &fakeStopwatch{}
	c.watches = append(c.watches, w)
	return w
}

func (c *fakeClock) advanceAll(d time.Duration) {
	for _, w := range c.watches {
		w.elapsed += d
	}
}

type fakeStopwatch struct{ elapsed time.Duration }

func (s *fakeStopwatch) Elapsed() time.Duration { return s.elapsed }
func (s *fakeStopwatch) Reset()                 { s.elapsed = 0 }

// fakeInode is one node of the in-memory tree the fake Namespace walks.
type fakeInode struct {
	id         int64
	name       string
	isDir      bool
	isEZRoot   bool
	encrypted  bool
	edek       []byte
	keyVersion string
	children   map[string]*fakeInode
}

// fakeNamespace is a minimal, single-process stand-in for the out-of-scope
// Namespace collaborator, round-tripping ZoneStatus through JSON the way
// a real extended-attribute store would serialize it. Mirrors
// zk/hermez_db's JSON-encoded bucket records.
type fakeNamespace struct {
	mu       sync.Mutex
	root     *fakeInode
	byId     map[int64]*fakeInode
	statuses map[ZoneId][]byte
	nextId   int64

	safeMode  bool
	opErr     error
	writeLock sync.Mutex
}

func newFakeNamespace() *fakeNamespace {
	root := &fakeInode{id: 1, name: "", isDir: true, children: map[string]*fakeInode{}}
	return &fakeNamespace{
		root:     root,
		byId:     map[int64]*fakeInode{1: root},
		statuses: map[ZoneId][]byte{},
		nextId:   2,
	}
}

func (n *fakeNamespace) mkdir(parentPath, name string) *fakeInode {
	n.mu.Lock()
	defer n.mu.Unlock()
	parent := n.resolveLocked(parentPath)
	inode := &fakeInode{id: n.nextId, name: name, isDir: true, children: map[string]*fakeInode{}}
	n.nextId++
	parent.children[name] = inode
	n.byId[inode.id] = inode
	return inode
}

func (n *fakeNamespace) mkfile(parentPath, name string, encrypted bool, keyVersion string, edek []byte) *fakeInode {
	n.mu.Lock()
	defer n.mu.Unlock()
	parent := n.resolveLocked(parentPath)
	inode := &fakeInode{id: n.nextId, name: name, encrypted: encrypted, keyVersion: keyVersion, edek: edek}
	n.nextId++
	parent.children[name] = inode
	n.byId[inode.id] = inode
	return inode
}

func (n *fakeNamespace) resolveLocked(p string) *fakeInode {
	cur := n.root
	p = strings.Trim(p, "/")
	if p == "" {
		return cur
	}
	for _, part := range strings.Split(p, "/") {
		cur = cur.children[part]
		if cur == nil {
			return nil
		}
	}
	return cur
}

func (n *fakeNamespace) delete(parentPath, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	parent := n.resolveLocked(parentPath)
	if parent == nil {
		return
	}
	if child, ok := parent.children[name]; ok {
		delete(n.byId, child.id)
		delete(parent.children, name)
	}
}

func (n *fakeNamespace) ReadTx(ctx context.Context) (ReadTx, error) {
	return &fakeReadTx{ns: n}, nil
}

func (n *fakeNamespace) WriteTx(ctx context.Context) (WriteTx, error) {
	n.writeLock.Lock()
	return &fakeWriteTx{ns: n}, nil
}

func (n *fakeNamespace) CheckOperation(op OperationKind) error { return n.opErr }

func (n *fakeNamespace) CheckSafeMode() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.safeMode, nil
}

type fakeReadTx struct{ ns *fakeNamespace }

func (t *fakeReadTx) GetInode(id int64) (string, bool, error) {
	t.ns.mu.Lock()
	defer t.ns.mu.Unlock()
	inode, ok := t.ns.byId[id]
	if !ok {
		return "", false, nil
	}
	return fakePathOf(t.ns.root, inode), true, nil
}

func (t *fakeReadTx) ListChildren(dir string, startAfter string) ([]ChildRef, error) {
	t.ns.mu.Lock()
	defer t.ns.mu.Unlock()
	parent := t.ns.resolveLocked(dir)
	if parent == nil {
		return nil, nil
	}
	names := make([]string, 0, len(parent.children))
	for name := range parent.children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ChildRef, 0, len(names))
	for _, name := range names {
		if name <= startAfter {
			continue
		}
		c := parent.children[name]
		out = append(out, ChildRef{
			Name:       c.name,
			InodeId:    c.id,
			IsDir:      c.isDir,
			IsEZRoot:   c.isEZRoot,
			Encrypted:  c.encrypted,
			EDEK:       c.edek,
			KeyVersion: c.keyVersion,
		})
	}
	return out, nil
}

func (t *fakeReadTx) GetINodesInPath(p string) ([]int64, error) {
	t.ns.mu.Lock()
	defer t.ns.mu.Unlock()
	cur := t.ns.root
	ids := []int64{cur.id}
	p = strings.Trim(p, "/")
	if p == "" {
		return ids, nil
	}
	for _, part := range strings.Split(p, "/") {
		cur = cur.children[part]
		if cur == nil {
			return ids, nil
		}
		ids = append(ids, cur.id)
	}
	return ids, nil
}

func (t *fakeReadTx) IsEncryptionZoneRoot(inodeId int64) (bool, error) {
	t.ns.mu.Lock()
	defer t.ns.mu.Unlock()
	inode, ok := t.ns.byId[inodeId]
	return ok && inode.isEZRoot, nil
}

func (t *fakeReadTx) GetZoneStatus(zone ZoneId) (ZoneStatus, bool, error) {
	return t.ns.getStatus(zone)
}

func (t *fakeReadTx) Close() {}

type fakeWriteTx struct {
	ns      *fakeNamespace
	pending ZoneStatus
	done    bool
}

func (t *fakeWriteTx) SetFileEncryptionInfo(inodeId int64, newEDEK []byte, keyVersion string) (bool, error) {
	t.ns.mu.Lock()
	defer t.ns.mu.Unlock()
	inode, ok := t.ns.byId[inodeId]
	if !ok {
		return false, nil
	}
	inode.edek = newEDEK
	inode.keyVersion = keyVersion
	return true, nil
}

func (t *fakeWriteTx) UpdateZoneStatus(status ZoneStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	t.ns.mu.Lock()
	t.ns.statuses[status.Zone] = data
	t.ns.mu.Unlock()
	return nil
}

func (t *fakeWriteTx) GetZoneStatus(zone ZoneId) (ZoneStatus, bool, error) {
	return t.ns.getStatus(zone)
}

func (t *fakeWriteTx) Commit() error {
	if !t.done {
		t.done = true
		t.ns.writeLock.Unlock()
	}
	return nil
}

func (t *fakeWriteTx) Rollback() {
	if !t.done {
		t.done = true
		t.ns.writeLock.Unlock()
	}
}

func (n *fakeNamespace) getStatus(zone ZoneId) (ZoneStatus, bool, error) {
	n.mu.Lock()
	data, ok := n.statuses[zone]
	n.mu.Unlock()
	if !ok {
		return ZoneStatus{}, false, nil
	}
	var st ZoneStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return ZoneStatus{}, false, err
	}
	return st, true, nil
}

func fakePathOf(root, target *fakeInode) string {
	var find func(n *fakeInode, prefix string) (string, bool)
	find = func(n *fakeInode, prefix string) (string, bool) {
		if n == target {
			return prefix, true
		}
		for name, c := range n.children {
			if p, ok := find(c, path.Join(prefix, name)); ok {
				return p, true
			}
		}
		return "", false
	}
	p, _ := find(root, "/")
	return p
}

// fakeKMS re-encrypts by appending the target key version to the record's
// EDEK bytes, deterministically, with optional injected failures.
type fakeKMS struct {
	mu       sync.Mutex
	failNext int
	failErr  error
	calls    int
}

func (k *fakeKMS) ReencryptEncryptedKeys(ctx context.Context, records []EdekRecord, targetKeyVersion string) ([]EdekRecord, error) {
	k.mu.Lock()
	k.calls++
	if k.failNext > 0 {
		k.failNext--
		err := k.failErr
		if err == nil {
			err = fmt.Errorf("fake kms failure")
		}
		k.mu.Unlock()
		return nil, err
	}
	k.mu.Unlock()

	out := make([]EdekRecord, len(records))
	for i, r := range records {
		r.NewEDEK = append(append([]byte{}, r.ExistingEDEK...), []byte(":"+targetKeyVersion)...)
		out[i] = r
	}
	return out, nil
}

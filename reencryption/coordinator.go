package reencryption

import (
	"context"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ledgerwatch/log/v3"
)

// zoneReadiness is the outcome of checkZoneReady: the disposition for a
// zone at the start of each walk step.
type zoneReadiness int

const (
	zoneReady zoneReadiness = iota
	zoneCanceled
	zoneMissing
	zoneRetryLater
	zoneInSafeMode
)

// pathFrame is one level of the path-stack cursor: the directory at this
// depth, and the name of the last child processed in it (the walk resumes
// strictly after startAfter).
type pathFrame struct {
	dirPath    string
	startAfter string
}

// Handler is the Coordinator: the single long-running task that picks
// zones, walks them depth-first, and submits Batches to the Pool. It also
// owns the inbound operations (Submit/Cancel/Remove/ListStatus) and the
// handler mutex guarding submissions/pause state.
type Handler struct {
	cfg    *Config
	ns     Namespace
	pool   *Pool
	store  *StatusStore
	cache  *EdekCache
	clock  Clock
	logger log.Logger

	throttle *throttle
	updater  *Updater

	mu          sync.Mutex
	submissions map[ZoneId]*zoneSubmissionTracker

	wakeCh          chan struct{}
	paused          bool
	pauseWakeCh     chan struct{}
	pauseAfterN     int
	submissionCount int

	// nestedEZSeen tracks, for the duration of one reencryptEncryptionZone
	// call, which directories were found to be nested EZ roots (from
	// ChildRef.IsEZRoot), so that the skip is logged only once per nested
	// zone even if its parent directory is listed again.
	nestedEZSeen mapset.Set[int64]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewHandler wires a Coordinator/Updater pair over the given collaborators.
func NewHandler(cfg Config, ns Namespace, kms KMSClient, clock Clock, logger log.Logger) (*Handler, error) {
	if logger == nil {
		logger = log.Root()
	}
	if clock == nil {
		clock = SystemClock
	}
	if err := cfg.Validate(logger); err != nil {
		return nil, err
	}

	cores := runtime.NumCPU()
	pool := NewPool(cfg.EdekThreads, cfg.EdekThreads*8, kms, logger)
	store := NewStatusStore()

	h := &Handler{
		cfg:         &cfg,
		ns:          ns,
		pool:        pool,
		store:       store,
		cache:       NewEdekCache(),
		clock:       clock,
		logger:      logger,
		throttle:    newThrottle(&cfg, clock, logger, cores),
		submissions: make(map[ZoneId]*zoneSubmissionTracker),
		wakeCh:      make(chan struct{}, 1),
		pauseWakeCh: make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}
	h.updater = newUpdater(&cfg, ns, store, h, logger)
	return h, nil
}

// Bootstrap seeds the status store at startup; see StatusStore.Bootstrap.
func (h *Handler) Bootstrap(statuses []ZoneStatus) { h.store.Bootstrap(statuses) }

// Start launches the Coordinator and Updater goroutines.
func (h *Handler) Start(ctx context.Context) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.run(ctx)
	}()
	go func() {
		defer h.wg.Done()
		h.updater.run(ctx)
	}()
}

// Stop signals both goroutines to exit, cancels every outstanding ZST, and
// stops the pool. It blocks until both goroutines have returned.
func (h *Handler) Stop() {
	close(h.quit)
	h.mu.Lock()
	for _, t := range h.submissions {
		t.cancelAll()
	}
	h.mu.Unlock()
	h.updater.stop()
	h.wg.Wait()
	h.pool.Stop()
}

// --- Inbound operations ---

// Submit enqueues a zone for re-encryption. Resubmitting a zone that is
// already Submitted or Processing is an idempotent no-op.
func (h *Handler) Submit(ctx context.Context, zone ZoneId, keyVersion string) error {
	if st, ok := h.store.Get(zone); ok && st.Active() {
		return nil
	}

	h.cache.DrainZone(zone)

	h.store.Put(ZoneStatus{
		Zone:             zone,
		Phase:            PhaseSubmitted,
		EZKeyVersionName: keyVersion,
	})
	h.notifyNewSubmission()
	return nil
}

// CancelZone marks the zone canceled and cancels its outstanding futures.
func (h *Handler) CancelZone(zone ZoneId) error {
	st, stOK := h.store.Get(zone)
	h.mu.Lock()
	tracker, trackerOK := h.submissions[zone]
	h.mu.Unlock()

	if !stOK && !trackerOK {
		return ErrZoneNotFound
	}
	if stOK {
		st.Canceled = true
		h.store.Put(st)
	}
	if trackerOK {
		tracker.cancelAll()
	}
	return nil
}

// RemoveZone cancels in-flight work and removes the zone's status.
func (h *Handler) RemoveZone(zone ZoneId) error {
	if err := h.CancelZone(zone); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.submissions, zone)
	h.mu.Unlock()
	h.store.Remove(zone)
	return nil
}

// ListStatus returns a snapshot of every tracked zone's status.
func (h *Handler) ListStatus() []ZoneStatus { return h.store.List() }

// AddDummyTracker submits a zero-file task so a zone with no eligible
// files still produces a completion for the Updater to finalise on.
func (h *Handler) AddDummyTracker(zone ZoneId) {
	tracker := h.trackerFor(zone)
	f := h.pool.Submit(context.Background(), newBatch(zone, 0), "")
	tracker.append(f)
}

// --- Testability hooks ---

func (h *Handler) PauseForTesting() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *Handler) ResumeForTesting() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	select {
	case h.pauseWakeCh <- struct{}{}:
	default:
	}
}

// PauseAfterNthSubmission arms a pause that fires once the n'th full batch
// submitted mid-walk (across all zones) has gone out; the residual batch
// at the end of a walk and dummy trackers are not counted. The pause is checked
// strictly after the throttle sleep at that submission point.
func (h *Handler) PauseAfterNthSubmission(n int) {
	h.mu.Lock()
	h.pauseAfterN = n
	h.mu.Unlock()
}

func (h *Handler) notifyNewSubmission() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

// --- Main loop ---

func (h *Handler) run(ctx context.Context) {
	for {
		if h.waitForWork(ctx) {
			return
		}
		if h.interrupted() {
			return
		}
		h.awaitUnpause()

		zone, ok := h.store.PickNextSubmitted()
		if !ok {
			continue
		}
		h.markProcessing(zone)

		if err := h.reencryptEncryptionZone(ctx, zone); err != nil {
			h.handleZoneError(zone, err)
		}
		h.store.RefreshMetrics()
	}
}

func (h *Handler) interrupted() bool {
	select {
	case <-h.quit:
		return true
	default:
		return false
	}
}

// waitForWork blocks until the next zone-pick cycle is due, a new
// submission wakes it early, or the handler is shutting down. Returns
// true if the caller should exit.
func (h *Handler) waitForWork(ctx context.Context) bool {
	timer := time.NewTimer(h.cfg.SleepInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-h.quit:
		return true
	case <-h.wakeCh:
		return false
	case <-timer.C:
		return false
	}
}

func (h *Handler) awaitUnpause() {
	for {
		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-h.pauseWakeCh:
		case <-h.quit:
			return
		}
	}
}

func (h *Handler) markProcessing(zone ZoneId) {
	st, ok := h.store.Get(zone)
	if !ok {
		return
	}
	st.Phase = PhaseProcessing
	h.store.Put(st)
}

// handleZoneError applies the zone failure semantics to whatever
// reencryptEncryptionZone returned: cancellation and missing zones update
// status and stop, transient errors requeue the zone, anything else marks
// it permanently failed.
func (h *Handler) handleZoneError(zone ZoneId, err error) {
	switch {
	case err == errZoneCanceled:
		if st, ok := h.store.Get(zone); ok {
			st.Phase = PhaseCanceled
			h.store.Put(st)
		}
	case err == ErrZoneNotFound:
		h.store.Remove(zone)
	case err == ErrRetryLater || err == ErrSafeMode:
		h.logger.Info("reencryption: zone requeued", "zone", zone, "reason", err)
		if st, ok := h.store.Get(zone); ok {
			st.Phase = PhaseSubmitted
			h.store.Put(st)
		}
		h.notifyNewSubmission()
	default:
		fatal := newFatalError(zone, err)
		h.logger.Error("reencryption: zone failed", "zone", zone, "err", fatal)
		if st, ok := h.store.Get(zone); ok {
			st.Phase = PhaseFailed
			h.store.Put(st)
		}
	}
}

// --- Tree walk ---

func (h *Handler) trackerFor(zone ZoneId) *zoneSubmissionTracker {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.submissions[zone]
	if !ok {
		t = newZoneSubmissionTracker()
		h.submissions[zone] = t
	}
	return t
}

func (h *Handler) totalPendingTasks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, t := range h.submissions {
		total += t.pending()
	}
	return total
}

// withReadLock acquires the namespace read lock, runs fn, releases it,
// and feeds the hold duration into the throttle's read-lock-share axis.
func (h *Handler) withReadLock(ctx context.Context, fn func(ReadTx) error) error {
	start := h.clock.NewStopwatch()
	rtx, err := h.ns.ReadTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		rtx.Close()
		h.throttle.recordLockHold(start.Elapsed())
	}()
	return fn(rtx)
}

// reencryptEncryptionZone performs the full depth-first walk of one zone,
// submitting Batches as it goes.
func (h *Handler) reencryptEncryptionZone(ctx context.Context, zone ZoneId) error {
	st, ok := h.store.Get(zone)
	if !ok {
		return ErrZoneNotFound
	}

	rootPath, found, err := h.rootPathOf(ctx, zone)
	if err != nil {
		return err
	}
	if !found {
		return ErrZoneNotFound
	}

	stack, err := h.initialStack(ctx, zone, st, rootPath)
	if err != nil {
		return err
	}

	tracker := h.trackerFor(zone)
	// markSubmissionDone must run on every exit path, including an early
	// return from a mid-walk readiness failure, or the tracker can never
	// drain and the zone is never finalised.
	defer tracker.markSubmissionDone()

	h.nestedEZSeen = mapset.NewSet[int64]()
	batch := newBatch(zone, h.cfg.BatchSize)
	submittedAny := false

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := stack[len(stack)-1]
		descendTo, done, err := h.walkOneDirectory(ctx, zone, st, &frame, &batch, tracker, &submittedAny)
		stack[len(stack)-1] = frame

		if err != nil {
			if !batch.Empty() {
				h.submitBatch(ctx, zone, batch, tracker)
			}
			return err
		}
		if descendTo != "" {
			stack = append(stack, pathFrame{dirPath: path.Join(frame.dirPath, descendTo)})
			continue
		}
		if done {
			stack = stack[:len(stack)-1]
		}
	}

	if !batch.Empty() {
		h.submitBatch(ctx, zone, batch, tracker)
		submittedAny = true
	}
	if !submittedAny {
		h.AddDummyTracker(zone)
	}
	return nil
}

// walkOneDirectory processes one page of children in frame.dirPath,
// starting after frame.startAfter. It returns the name of a child
// directory to descend into, or done=true once every child returned in
// this page has been handled.
func (h *Handler) walkOneDirectory(ctx context.Context, zone ZoneId, zst ZoneStatus, frame *pathFrame, batch **Batch, tracker *zoneSubmissionTracker, submittedAny *bool) (descendTo string, done bool, err error) {
	var children []ChildRef
	readyErr := error(nil)

	lockErr := h.withReadLock(ctx, func(rtx ReadTx) error {
		readiness, rerr := h.checkZoneReady(rtx, zone)
		if rerr != nil {
			return rerr
		}
		switch readiness {
		case zoneCanceled:
			readyErr = errZoneCanceled
			return nil
		case zoneMissing:
			readyErr = ErrZoneNotFound
			return nil
		case zoneRetryLater:
			readyErr = ErrRetryLater
			return nil
		case zoneInSafeMode:
			readyErr = ErrSafeMode
			return nil
		}
		var e error
		children, e = rtx.ListChildren(frame.dirPath, frame.startAfter)
		return e
	})
	if lockErr != nil {
		return "", false, lockErr
	}
	if readyErr != nil {
		return "", false, readyErr
	}

	if len(children) == 0 {
		return "", true, nil
	}

	for _, child := range children {
		frame.startAfter = child.Name

		switch {
		case !child.IsDir && child.Encrypted && child.KeyVersion != zst.EZKeyVersionName:
			(*batch).Append(EdekRecord{
				InodeId:      child.InodeId,
				ParentPath:   frame.dirPath,
				FileName:     child.Name,
				ExistingEDEK: child.EDEK,
			})
			if (*batch).Full(h.cfg.BatchSize) {
				h.submitBatch(ctx, zone, *batch, tracker)
				*submittedAny = true
				*batch = newBatch(zone, h.cfg.BatchSize)

				h.runThrottleAndMaybePause(ctx)

				if st, ok := h.store.Get(zone); ok && st.Canceled {
					return "", false, errZoneCanceled
				}
				if !h.parentStillValid(ctx, frame.dirPath) {
					return "", true, nil
				}
			}
		case !child.IsDir && !child.Encrypted:
			h.logger.Warn("reencryption: file has no encryption metadata, skipping", "zone", zone, "path", path.Join(frame.dirPath, child.Name))
		case child.IsDir && child.IsEZRoot:
			if !h.nestedEZSeen.Contains(child.InodeId) {
				h.nestedEZSeen.Add(child.InodeId)
				h.logger.Info("reencryption: skipping nested encryption zone", "zone", zone, "path", path.Join(frame.dirPath, child.Name))
			}
		case child.IsDir:
			return child.Name, false, nil
		default:
			// encrypted file already at the target key version: skip
		}
	}
	return "", true, nil
}

// checkZoneReady reports whether the zone may proceed past the start of
// this walk step: Canceled, Missing, or not-writeable all abort the zone;
// everything else proceeds. Missing covers both "the zone root inode was
// deleted" (checked against the namespace) and "the in-memory status was
// removed" (checked against the StatusStore). Canceled is sticky
// in-memory state, not durable.
func (h *Handler) checkZoneReady(rtx ReadTx, zone ZoneId) (zoneReadiness, error) {
	if _, ok, err := rtx.GetInode(int64(zone)); err != nil {
		return zoneReady, err
	} else if !ok {
		return zoneMissing, nil
	}

	st, ok := h.store.Get(zone)
	if !ok {
		return zoneMissing, nil
	}
	if st.Canceled {
		return zoneCanceled, nil
	}

	if err := h.ns.CheckOperation(OpWrite); err != nil {
		return zoneRetryLater, nil
	}
	safe, err := h.ns.CheckSafeMode()
	if err != nil {
		return zoneReady, err
	}
	if safe {
		return zoneInSafeMode, nil
	}
	return zoneReady, nil
}

// parentStillValid re-resolves frame.dirPath after a throttle sleep,
// since the lock gap may have invalidated it.
func (h *Handler) parentStillValid(ctx context.Context, dirPath string) bool {
	var ok bool
	_ = h.withReadLock(ctx, func(rtx ReadTx) error {
		ids, err := rtx.GetINodesInPath(dirPath)
		if err != nil {
			return err
		}
		parts := strings.Split(strings.Trim(dirPath, "/"), "/")
		ok = len(ids) >= len(parts)
		return nil
	})
	return ok
}

// rootPathOf resolves a zone id to its current root path.
func (h *Handler) rootPathOf(ctx context.Context, zone ZoneId) (string, bool, error) {
	var (
		rootPath string
		found    bool
	)
	err := h.withReadLock(ctx, func(rtx ReadTx) error {
		p, ok, err := rtx.GetInode(int64(zone))
		if err != nil {
			return err
		}
		rootPath, found = p, ok
		return nil
	})
	return rootPath, found, err
}

// initialStack builds the path-stack cursor to resume from. If the zone
// has no checkpoint yet, the walk starts at the zone root. Otherwise it
// resolves lastCheckpointFile's parent and walks down from rootPath,
// stopping at the first ancestor that GetINodesInPath reports no longer
// exists rather than assuming every intermediate directory survived.
func (h *Handler) initialStack(ctx context.Context, zone ZoneId, st ZoneStatus, rootPath string) ([]pathFrame, error) {
	if st.LastCheckpointFile == "" {
		return []pathFrame{{dirPath: rootPath}}, nil
	}

	dir := path.Dir(st.LastCheckpointFile)
	name := path.Base(st.LastCheckpointFile)

	rel := strings.TrimPrefix(dir, rootPath)
	rel = strings.Trim(rel, "/")
	var parts []string
	if rel != "" {
		parts = strings.Split(rel, "/")
	}

	var ids []int64
	err := h.withReadLock(ctx, func(rtx ReadTx) error {
		var e error
		ids, e = rtx.GetINodesInPath(dir)
		return e
	})
	if err != nil {
		return nil, err
	}

	// ids[0] is the namespace root and ids[1:rootDepth+1] cover rootPath's
	// own elements, which are known to exist since rootPath was just
	// resolved. Element parts[i] exists only if ids reaches far enough to
	// cover it; GetINodesInPath stops appending the moment a path element
	// no longer resolves, so running out of ids at depth i means parts[i]
	// and everything below it is gone.
	rootDepth := len(strings.Split(strings.Trim(rootPath, "/"), "/"))
	stack := make([]pathFrame, 0, len(parts)+1)
	cur := rootPath
	for i, part := range parts {
		if rootDepth+1+i >= len(ids) {
			return append(stack, pathFrame{dirPath: cur}), nil
		}
		stack = append(stack, pathFrame{dirPath: cur, startAfter: part})
		cur = path.Join(cur, part)
	}
	stack = append(stack, pathFrame{dirPath: cur, startAfter: name})
	return stack, nil
}

// submitBatch hands the batch to the pool and records its future on the
// zone's tracker, in submission order.
func (h *Handler) submitBatch(ctx context.Context, zone ZoneId, batch *Batch, tracker *zoneSubmissionTracker) {
	now := time.Now()
	for i := range batch.Records {
		batch.Records[i].SubmittedAt = now
	}

	f := h.pool.Submit(ctx, batch, h.targetKeyVersion(zone))
	tracker.append(f)
	BatchesSubmitted.WithLabelValues(zoneLabel(zone)).Inc()

	if st, ok := h.store.Get(zone); ok {
		st.BatchesSubmitted++
		h.store.Put(st)
	}
}

func (h *Handler) targetKeyVersion(zone ZoneId) string {
	if st, ok := h.store.Get(zone); ok {
		return st.EZKeyVersionName
	}
	return ""
}

// runThrottleAndMaybePause runs the three-axis throttle and then checks
// whether this submission was the n'th one a pauseAfterNthSubmission test
// call armed.
func (h *Handler) runThrottleAndMaybePause(ctx context.Context) {
	sleeper := func(d time.Duration) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
		case <-h.quit:
		}
	}
	h.throttle.run(sleeper, h.pool.QueuedTasks, h.totalPendingTasks)

	h.mu.Lock()
	h.submissionCount++
	count, n := h.submissionCount, h.pauseAfterN
	h.mu.Unlock()

	if n > 0 && count == n {
		h.PauseForTesting()
	}
	h.awaitUnpause()
}

package reencryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerPreservesSubmissionOrder(t *testing.T) {
	tr := newZoneSubmissionTracker()

	f1, f2, f3 := newFuture(), newFuture(), newFuture()
	tr.append(f1)
	tr.append(f2)
	tr.append(f3)

	// Completion order is reversed, but popFront must still yield f1, f2, f3.
	f3 <- BatchResult{}
	f1 <- BatchResult{}
	f2 <- BatchResult{}

	got, ok := tr.popFront()
	require.True(t, ok)
	require.Equal(t, f1, got)

	got, ok = tr.popFront()
	require.True(t, ok)
	require.Equal(t, f2, got)

	got, ok = tr.popFront()
	require.True(t, ok)
	require.Equal(t, f3, got)

	_, ok = tr.popFront()
	require.False(t, ok)
}

func TestTrackerDrained(t *testing.T) {
	tr := newZoneSubmissionTracker()
	require.False(t, tr.drained(), "not drained until submissionDone is set")

	tr.markSubmissionDone()
	require.True(t, tr.drained(), "empty + submissionDone is drained")

	f := newFuture()
	tr.append(f)
	require.False(t, tr.drained())

	tr.popFront()
	require.True(t, tr.drained())
}

func TestTrackerCancelAllDropsPending(t *testing.T) {
	tr := newZoneSubmissionTracker()
	tr.append(newFuture())
	tr.append(newFuture())
	require.Equal(t, 2, tr.pending())

	tr.cancelAll()
	require.Equal(t, 0, tr.pending())
}

func TestTrackerPushFrontReinsertsAtHead(t *testing.T) {
	tr := newZoneSubmissionTracker()
	f1, f2 := newFuture(), newFuture()
	tr.append(f1)
	f, ok := tr.popFront()
	require.True(t, ok)
	require.Equal(t, f1, f)

	tr.append(f2)
	tr.pushFront(f1)

	got, _ := tr.popFront()
	require.Equal(t, f1, got)
	got, _ = tr.popFront()
	require.Equal(t, f2, got)
}

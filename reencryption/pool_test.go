package reencryption

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"
)

func TestPoolSubmitAppliesKMSResult(t *testing.T) {
	kms := &fakeKMS{}
	p := NewPool(2, 4, kms, log.Root())
	defer p.Stop()

	b := newBatch(ZoneId(1), 2)
	b.Append(EdekRecord{InodeId: 1, ExistingEDEK: []byte("old")})

	f := p.Submit(context.Background(), b, "v2")

	select {
	case res := <-f:
		require.NoError(t, res.Err)
		require.Equal(t, []byte("old:v2"), res.Batch.Records[0].NewEDEK)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestPoolSubmitReportsKMSFailure(t *testing.T) {
	kms := &fakeKMS{failNext: 1}
	p := NewPool(1, 4, kms, log.Root())
	defer p.Stop()

	b := newBatch(ZoneId(1), 2)
	b.Append(EdekRecord{InodeId: 1})
	b.Append(EdekRecord{InodeId: 2})

	f := p.Submit(context.Background(), b, "v2")

	res := <-f
	require.Error(t, res.Err)
	require.Equal(t, 2, res.Failures)
}

func TestPoolEmptyBatchFastPath(t *testing.T) {
	kms := &fakeKMS{}
	p := NewPool(1, 4, kms, log.Root())
	defer p.Stop()

	f := p.Submit(context.Background(), newBatch(ZoneId(1), 0), "v2")
	res := <-f
	require.NoError(t, res.Err)
	require.Equal(t, 0, kms.calls)
}

func TestPoolCallerRunsWhenQueueSaturated(t *testing.T) {
	kms := &fakeKMS{}
	// Zero-capacity-ish queue forces the caller-runs path immediately.
	p := NewPool(1, 1, kms, log.Root())
	defer p.Stop()

	var futures []future
	for i := 0; i < 5; i++ {
		b := newBatch(ZoneId(1), 1)
		b.Append(EdekRecord{InodeId: int64(i)})
		futures = append(futures, p.Submit(context.Background(), b, "v2"))
	}
	for _, f := range futures {
		select {
		case res := <-f:
			require.NoError(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
}

package reencryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBatchAppendAndFull(t *testing.T) {
	b := newBatch(ZoneId(1), 2)
	require.True(t, b.Empty())

	b.Append(EdekRecord{InodeId: 10, ParentPath: "/a", FileName: "f1"})
	require.Equal(t, "/a/f1", b.FirstFilePath)
	require.False(t, b.Full(2))

	b.Append(EdekRecord{InodeId: 11, ParentPath: "/a", FileName: "f2"})
	require.True(t, b.Full(2))
	require.Equal(t, 2, b.Len())
	require.Equal(t, "/a/f1", b.FirstFilePath, "FirstFilePath only set on the first append")
}

func TestBatchIDStable(t *testing.T) {
	b := newBatch(ZoneId(1), 4)
	id := b.ID()
	require.NotEmpty(t, id)
	require.Equal(t, id, b.ID())
}

func TestEdekRecordPath(t *testing.T) {
	r := EdekRecord{ParentPath: "/a/b", FileName: "f"}
	require.Equal(t, "/a/b/f", r.Path())

	root := EdekRecord{FileName: "f"}
	require.Equal(t, "f", root.Path())
}

package logio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 160

func newTestWriter(t *testing.T, dir string) *LogWriter {
	t.Helper()
	w := NewLogWriter(dir, "test", testBlockSize, 8)
	require.NoError(t, w.Open())
	return w
}

func readAll(t *testing.T, w *LogWriter) map[LogPos][]byte {
	t.Helper()
	reader, err := w.NewReader(NullPos)
	require.NoError(t, err)
	records := make(map[LogPos][]byte)
	for {
		pos, payload, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records[pos] = payload
	}
	return records
}

func TestAppendRead(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	first, err := w.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, LogPos{FileOrd: 0, Offset: 0}, first)

	second, err := w.Append([]byte("world"))
	require.NoError(t, err)
	require.True(t, first.Less(second))

	records := readAll(t, w)
	require.Equal(t, []byte("hello"), records[first])
	require.Equal(t, []byte("world"), records[second])
}

func TestBlockPadding(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	defer func() { require.NoError(t, w.Close()) }()

	// Fill most of the first block so the next record would cross the
	// boundary and must be pushed to the next block.
	big := make([]byte, 140)
	for i := range big {
		big[i] = byte(i)
	}
	_, err := w.Append(big)
	require.NoError(t, err)

	next, err := w.Append([]byte("padded"))
	require.NoError(t, err)
	require.Equal(t, int64(0), next.Offset%testBlockSize)
	require.Equal(t, int64(testBlockSize), next.Offset)

	records := readAll(t, w)
	require.Equal(t, big, records[LogPos{FileOrd: 0, Offset: 0}])
	require.Equal(t, []byte("padded"), records[next])
}

func TestOversizedRecordStraddlesBlocks(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	big := make([]byte, 3*testBlockSize)
	for i := range big {
		big[i] = byte(i % 251)
	}
	pos, err := w.Append(big)
	require.NoError(t, err)

	small, err := w.Append([]byte("after"))
	require.NoError(t, err)
	require.True(t, pos.Less(small))

	records := readAll(t, w)
	require.Equal(t, big, records[pos])
	require.Equal(t, []byte("after"), records[small])
}

func TestRecordTooLarge(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	_, err := w.Append(make([]byte, 8*testBlockSize))
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestRollover(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	payload := make([]byte, 120)
	positions := make([]LogPos, 0, 24)
	for i := 0; i < 24; i++ {
		payload[0] = byte(i)
		pos, err := w.Append(payload)
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.Greater(t, positions[len(positions)-1].FileOrd, int32(0))

	records := readAll(t, w)
	require.Len(t, records, 24)
	for i, pos := range positions {
		require.Equal(t, byte(i), records[pos][0])
	}
}

func TestTruncateAppendReseek(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	_, err := w.Append([]byte("keep"))
	require.NoError(t, err)
	dropPos, err := w.Append([]byte("drop-1"))
	require.NoError(t, err)
	_, err = w.Append([]byte("drop-2"))
	require.NoError(t, err)

	require.NoError(t, w.TruncateAt(dropPos))
	require.Equal(t, 1, w.Size())

	newPos, err := w.Append([]byte("replacement"))
	require.NoError(t, err)
	require.Equal(t, dropPos, newPos)

	reader, err := w.NewReader(dropPos)
	require.NoError(t, err)
	pos, payload, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, dropPos, pos)
	require.Equal(t, []byte("replacement"), payload)
}

func TestTruncateAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)
	defer func() { require.NoError(t, w.Close()) }()

	payload := make([]byte, 120)
	positions := make([]LogPos, 0, 24)
	for i := 0; i < 24; i++ {
		pos, err := w.Append(payload)
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	cut := positions[3]
	require.Equal(t, int32(0), cut.FileOrd)
	require.NoError(t, w.TruncateAt(cut))
	require.Equal(t, 3, w.Size())
	require.Equal(t, cut, w.Tell())

	// Files past the truncation point are gone.
	matches, err := filepath.Glob(filepath.Join(dir, "test-*.wal"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	pos, err := w.Append([]byte("fresh"))
	require.NoError(t, err)
	require.Equal(t, cut, pos)
}

func TestTruncateInvalidPosition(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	pos, err := w.Append([]byte("only"))
	require.NoError(t, err)

	require.ErrorIs(t, w.TruncateAt(LogPos{FileOrd: pos.FileOrd, Offset: pos.Offset + 1}), ErrInvalidPosition)
	_, err = w.NewReader(LogPos{FileOrd: 0, Offset: 3})
	require.ErrorIs(t, err, ErrInvalidPosition)
}

func TestReopenPreservesLog(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	var positions []LogPos
	for i := 0; i < 10; i++ {
		pos, err := w.Append([]byte(fmt.Sprintf("record-%d", i)))
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	tell := w.Tell()
	require.NoError(t, w.Close())

	w = newTestWriter(t, dir)
	defer func() { require.NoError(t, w.Close()) }()
	require.Equal(t, 10, w.Size())
	require.Equal(t, tell, w.Tell())

	records := readAll(t, w)
	for i, pos := range positions {
		require.Equal(t, []byte(fmt.Sprintf("record-%d", i)), records[pos])
	}
}

func TestTornTailDropped(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	good, err := w.Append([]byte("durable"))
	require.NoError(t, err)
	tell := w.Tell()
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: a header that promises more bytes than
	// the file holds.
	name := filepath.Join(dir, "test-0000000000.wal")
	file, err := os.OpenFile(name, os.O_RDWR, 0o666)
	require.NoError(t, err)
	torn := make([]byte, 12)
	binary.LittleEndian.PutUint32(torn[0:4], 100)
	binary.LittleEndian.PutUint32(torn[4:8], 0xdeadbeef)
	_, err = file.WriteAt(torn, tell.Offset)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	w = newTestWriter(t, dir)
	defer func() { require.NoError(t, w.Close()) }()
	require.Equal(t, 1, w.Size())
	require.Equal(t, tell, w.Tell())

	records := readAll(t, w)
	require.Equal(t, []byte("durable"), records[good])

	// The log accepts appends after recovery.
	pos, err := w.Append([]byte("fresh"))
	require.NoError(t, err)
	require.Equal(t, tell, pos)
}

func TestChecksumMismatchEndsLog(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir)

	_, err := w.Append([]byte("first"))
	require.NoError(t, err)
	second, err := w.Append([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Flip a payload byte of the final record.
	name := filepath.Join(dir, "test-0000000000.wal")
	file, err := os.OpenFile(name, os.O_RDWR, 0o666)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte{0xff}, second.Offset+8)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	w = newTestWriter(t, dir)
	defer func() { require.NoError(t, w.Close()) }()
	require.Equal(t, 1, w.Size())
	require.Equal(t, second, w.Tell())
}

func TestReaderFollowsAppends(t *testing.T) {
	w := newTestWriter(t, t.TempDir())
	defer func() { require.NoError(t, w.Close()) }()

	first, err := w.Append([]byte("one"))
	require.NoError(t, err)

	reader, err := w.NewReader(NullPos)
	require.NoError(t, err)

	pos, payload, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, first, pos)
	require.Equal(t, []byte("one"), payload)

	_, _, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)

	second, err := w.Append([]byte("two"))
	require.NoError(t, err)

	pos, payload, err = reader.Next()
	require.NoError(t, err)
	require.Equal(t, second, pos)
	require.Equal(t, []byte("two"), payload)
}

func TestLogPosOrdering(t *testing.T) {
	require.True(t, NullPos.Less(LogPos{FileOrd: 0, Offset: 0}))
	require.True(t, LogPos{FileOrd: 0, Offset: 100}.Less(LogPos{FileOrd: 1, Offset: 0}))
	require.False(t, LogPos{FileOrd: 1, Offset: 0}.Less(LogPos{FileOrd: 1, Offset: 0}))
	require.Equal(t, 0, LogPos{FileOrd: 2, Offset: 8}.Compare(LogPos{FileOrd: 2, Offset: 8}))
	require.Equal(t, -1, NullPos.Compare(LogPos{}))
	require.Equal(t, 1, LogPos{FileOrd: 3}.Compare(LogPos{FileOrd: 2, Offset: 500}))
	require.True(t, NullPos.IsNull())
	require.False(t, LogPos{}.IsNull())
}

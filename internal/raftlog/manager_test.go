package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftlog/internal/errs"
	"github.com/raftkv/raftlog/internal/segment"
	"github.com/raftkv/raftlog/internal/wire"
)

func mkEntry(index, term uint64, data string) wire.Entry {
	return wire.Entry{Index: index, Term: term, Type: wire.EntryRaftLog, Data: []byte(data)}
}

func TestAppendReadReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: segment.MinDataRegionSize})
	require.NoError(t, err)

	for _, e := range []wire.Entry{mkEntry(1, 1, "a"), mkEntry(2, 1, "bb"), mkEntry(3, 2, "ccc")} {
		idx, err := m.Append(e)
		require.NoError(t, err)
		require.Equal(t, e.Index, idx)
	}
	require.NoError(t, m.Close())

	m2, err := Open(dir, Options{SegmentMaxSize: segment.MinDataRegionSize})
	require.NoError(t, err)
	require.Equal(t, uint64(1), m2.StartIndex())
	require.Equal(t, uint64(3), m2.LastIndex())
	require.Equal(t, uint64(2), m2.LastTerm())

	got, err := m2.Read(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Term)
	require.Equal(t, "bb", string(got.Data))
}

func TestAppendRollsSegmentsUnderPressure(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20}) // 1 MiB is raised to the 4 MiB floor; 256 KiB payloads fill it after 15 entries, so 100 entries still roll
	require.NoError(t, err)

	payload := make([]byte, 256*1024)
	var lastErr error
	count := 0
	for i := uint64(1); i <= 100; i++ {
		_, lastErr = m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, lastErr)
		count++
	}
	require.Equal(t, 100, count)
	require.GreaterOrEqual(t, m.LogCount(), 1)

	info := m.LogsInfo()
	var total uint64
	for start, last := range info {
		total += last - start + 1
	}
	require.Equal(t, uint64(100), total)
}

func TestAppendRollsMultipleSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: segment.MinDataRegionSize})
	require.NoError(t, err)

	// Each entry is ~1 MiB; a 4 MiB segment floor holds 3 of them, so
	// 20 entries must roll across several segments.
	payload := make([]byte, 1024*1024)
	for i := uint64(1); i <= 20; i++ {
		idx, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}

	require.Greater(t, m.LogCount(), 1)
	info := m.LogsInfo()
	var starts []uint64
	for start := range info {
		starts = append(starts, start)
	}
	require.Equal(t, uint64(1), func() uint64 {
		min := starts[0]
		for _, s := range starts {
			if s < min {
				min = s
			}
		}
		return min
	}())

	got, err := m.Read(10)
	require.NoError(t, err)
	require.Equal(t, uint64(10), got.Index)
}

func TestTruncateTailSemantics(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20})
	require.NoError(t, err)

	payload := make([]byte, 40*1024)
	for i := uint64(1); i <= 100; i++ {
		_, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
	}

	require.NoError(t, m.Truncate(50))
	require.Equal(t, uint64(50), m.LastIndex())

	for start := range m.LogsInfo() {
		require.LessOrEqual(t, start, uint64(50))
	}

	_, err = m.Read(51)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindNotFound))

	idx, err := m.Append(mkEntry(51, 1, string(payload)))
	require.NoError(t, err)
	require.Equal(t, uint64(51), idx)
}

func TestDiscardRemovesCoveredSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20})
	require.NoError(t, err)

	// 256 KiB payloads put 15 entries in each 4 MiB segment.
	payload := make([]byte, 256*1024)
	for i := uint64(1); i <= 100; i++ {
		_, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
	}

	removed := m.Discard(30)
	require.Greater(t, removed, 0)

	start := m.StartIndex()
	require.GreaterOrEqual(t, start, uint64(1))

	for i := uint64(1); i < start; i++ {
		_, err := m.Read(i)
		require.Error(t, err)
	}
}

func TestReadRangeAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20})
	require.NoError(t, err)

	// 256 KiB payloads put 15 entries in each 4 MiB segment.
	payload := make([]byte, 256*1024)
	for i := uint64(1); i <= 60; i++ {
		_, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
	}

	entries, err := m.ReadRange(1, 1<<30, 60)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 60)
	for i := 1; i < len(entries); i++ {
		require.Equal(t, entries[i-1].Index+1, entries[i].Index)
	}
}

func TestReadRangeStaysWithinByteBudgetAcrossSegmentCalls(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20})
	require.NoError(t, err)

	payload := make([]byte, 40*1024)
	for i := uint64(1); i <= 60; i++ {
		_, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
	}

	oneEntrySize := wire.EncodedSize(mkEntry(1, 1, string(payload)))
	maxBytes := 50000 // room for roughly one entry, not two
	entries, err := m.ReadRange(1, maxBytes, 1<<30)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the unconditionally-exempt first entry should be returned")

	var total int
	for _, e := range entries {
		total += wire.EncodedSize(e)
	}
	require.LessOrEqual(t, total, oneEntrySize, "subsequent segment continuations must not re-exempt an oversized entry")
}

func TestTruncateRejectsOutOfRangeIndex(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{SegmentMaxSize: 1 << 20})
	require.NoError(t, err)

	// 256 KiB payloads put 15 entries in each 4 MiB segment.
	payload := make([]byte, 256*1024)
	for i := uint64(1); i <= 50; i++ {
		_, err := m.Append(mkEntry(i, 1, string(payload)))
		require.NoError(t, err)
	}

	removed := m.Discard(20)
	require.Greater(t, removed, 0)
	start := m.StartIndex()
	last := m.LastIndex()

	err = m.Truncate(start - 1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindOutOfRange))
	require.Equal(t, start, m.StartIndex())
	require.Equal(t, last, m.LastIndex())

	err = m.Truncate(last + 1)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindOutOfRange))
	require.Equal(t, last, m.LastIndex())
}

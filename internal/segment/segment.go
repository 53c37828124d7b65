// Package segment implements a single bounded, memory-mapped
// append-only log segment: one data file and one sidecar index file,
// opened as a pair and accessed under a single writer / many readers
// discipline. It is the unit the log manager rolls, truncates, and
// discards.
package segment

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/tysonmote/gommap"

	"github.com/raftkv/raftlog/internal/errs"
	"github.com/raftkv/raftlog/internal/metrics"
	"github.com/raftkv/raftlog/internal/wire"
)

const (
	// MinDataRegionSize is the floor for a segment's data region,
	// regardless of the requested size.
	MinDataRegionSize = 4 * 1024 * 1024
	// RegionGranularity is the multiple both regions are rounded up
	// to.
	RegionGranularity = 64 * 1024

	// indexSlotSize is MAGIC_START(4) | log_index(8) | offset(4) |
	// MAGIC_END(4).
	indexSlotSize = 20
	// minEncodedEntrySize is the encoded size (wire.EncodedSize) of
	// an entry with a zero-length payload: index(8) + term(8) +
	// type(4) + len(4).
	minEncodedEntrySize = 24
	// dataFrameOverhead is the MAGIC_START/MAGIC_END pair bracketing
	// each data-region entry.
	dataFrameOverhead = 8
)

// Options configures a Segment's size and observability hooks.
type Options struct {
	// MaxSize is the requested data region size; it is rounded up to
	// a RegionGranularity multiple with a MinDataRegionSize floor.
	MaxSize int
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	// AutoDelete, when true, unlinks the segment's files once the
	// last reference is released and the segment is closed.
	AutoDelete bool
}

// RoundDataRegionSize floors maxSize at MinDataRegionSize and rounds it
// up to the next RegionGranularity multiple.
func RoundDataRegionSize(maxSize int) int {
	if maxSize < MinDataRegionSize {
		maxSize = MinDataRegionSize
	}
	size := 0
	for size < maxSize {
		size += RegionGranularity
	}
	return size
}

// computeIndexRegionSize sizes the index region to describe the
// worst-case count of minimum-sized entries that fit in a data region
// of dataRegionSize bytes, rounded up to RegionGranularity.
func computeIndexRegionSize(dataRegionSize int) int {
	oneEntry := minEncodedEntrySize + dataFrameOverhead
	count := dataRegionSize/oneEntry + 1
	size := count * indexSlotSize
	out := RegionGranularity
	for out < size {
		out += RegionGranularity
	}
	return out
}

// Segment is one memory-mapped data/index file pair covering a
// contiguous range of log indices starting at StartIndex.
type Segment struct {
	writeMu sync.Mutex
	rw      sync.RWMutex

	dataPath  string
	indexPath string
	dataFile  *os.File
	indexFile *os.File
	data      gommap.MMap
	index     gommap.MMap

	dataRegionSize  int
	indexRegionSize int

	startIndex uint64
	lastIndex  uint64
	writeOff   int
	eof        bool
	isOpen     bool

	autoDelete int32 // atomic bool
	refCount   int32 // atomic; starts at 1 for map membership
	removed    int32 // atomic bool

	logger  *zerolog.Logger
	metrics *metrics.Metrics
}

// Open opens or creates the data file at path and its sidecar
// path+".index", preallocates both to their region sizes, memory-maps
// them, and reloads any existing content. startIndex is the index this
// segment is expected to start at (derived from its file name); it is
// used only while the segment is empty, to know what the first
// appended entry's index must be.
func Open(path string, startIndex uint64, opts Options) (*Segment, error) {
	if startIndex == 0 {
		return nil, errs.New("segment.Open", errs.KindInvalidArgument, "startIndex must be >= 1")
	}
	dataRegionSize := RoundDataRegionSize(opts.MaxSize)
	indexRegionSize := computeIndexRegionSize(dataRegionSize)

	s := &Segment{
		dataPath:        path,
		indexPath:       path + ".index",
		dataRegionSize:  dataRegionSize,
		indexRegionSize: indexRegionSize,
		startIndex:      startIndex,
		lastIndex:       startIndex - 1,
		refCount:        1,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if opts.AutoDelete {
		s.autoDelete = 1
	}

	var err error
	s.dataFile, err = os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errs.Wrap("segment.Open", errs.KindIo, "open data file", err)
	}
	if err := os.Truncate(s.dataPath, int64(dataRegionSize)); err != nil {
		s.dataFile.Close()
		return nil, errs.Wrap("segment.Open", errs.KindIo, "truncate data file", err)
	}
	s.data, err = gommap.Map(s.dataFile.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		s.dataFile.Close()
		return nil, errs.Wrap("segment.Open", errs.KindIo, "mmap data file", err)
	}

	s.indexFile, err = os.OpenFile(s.indexPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		s.data.UnsafeUnmap()
		s.dataFile.Close()
		return nil, errs.Wrap("segment.Open", errs.KindIo, "open index file", err)
	}
	if err := os.Truncate(s.indexPath, int64(indexRegionSize)); err != nil {
		s.indexFile.Close()
		s.data.UnsafeUnmap()
		s.dataFile.Close()
		return nil, errs.Wrap("segment.Open", errs.KindIo, "truncate index file", err)
	}
	s.index, err = gommap.Map(s.indexFile.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		s.indexFile.Close()
		s.data.UnsafeUnmap()
		s.dataFile.Close()
		return nil, errs.Wrap("segment.Open", errs.KindIo, "mmap index file", err)
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	s.isOpen = true
	return s, nil
}

// reload scans the index region forward from its start, recovering
// StartIndex/LastIndex and repositioning the data write cursor.
func (s *Segment) reload() error {
	if atomicLoadU32(s.index[0:4]) != wire.MagicStart {
		s.writeOff = 0
		return nil
	}

	slot := s.index[0:indexSlotSize]
	if wire.GetUint32(slot[16:20]) != wire.MagicEnd {
		return errs.New("segment.reload", errs.KindCorruption, "index slot missing MAGIC_END")
	}
	first := wire.GetUint64(slot[4:12])
	s.startIndex = first
	s.lastIndex = first

	pos := indexSlotSize
	for pos+indexSlotSize <= s.indexRegionSize {
		slot := s.index[pos : pos+indexSlotSize]
		if atomicLoadU32(slot[0:4]) != wire.MagicStart {
			break
		}
		if wire.GetUint32(slot[16:20]) != wire.MagicEnd {
			return errs.New("segment.reload", errs.KindCorruption, "index slot missing MAGIC_END")
		}
		s.lastIndex = wire.GetUint64(slot[4:12])
		pos += indexSlotSize
	}

	return s.repositionWriteCursor()
}

// repositionWriteCursor sets writeOff to just past the entry at
// LastIndex, by looking it up and decoding it.
func (s *Segment) repositionWriteCursor() error {
	if s.lastIndex < s.startIndex {
		s.writeOff = 0
		return nil
	}
	off, _, err := s.lookupOffset(s.lastIndex)
	if err != nil {
		return err
	}
	entryLen, err := s.frameLenAt(off)
	if err != nil {
		return err
	}
	s.writeOff = off + entryLen
	return nil
}

// frameLenAt returns the total on-disk length (including both magics)
// of the data frame starting at byte offset off.
func (s *Segment) frameLenAt(off int) (int, error) {
	if atomicLoadU32(s.data[off:off+4]) != wire.MagicStart {
		return 0, errs.New("segment.frameLenAt", errs.KindCorruption, "data frame missing MAGIC_START")
	}
	_, n := wire.GetEntry(s.data[off+4:])
	if wire.GetUint32(s.data[off+4+n:off+8+n]) != wire.MagicEnd {
		return 0, errs.New("segment.frameLenAt", errs.KindCorruption, "data frame missing MAGIC_END")
	}
	return dataFrameOverhead + n, nil
}

// Empty reports whether the segment has no live entries.
func (s *Segment) Empty() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.lastIndex < s.startIndex
}

// StartIndex returns the lowest index this segment can hold.
func (s *Segment) StartIndex() uint64 {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.startIndex
}

// LastIndex returns the highest index currently stored, or
// StartIndex-1 if the segment is empty.
func (s *Segment) LastIndex() uint64 {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.lastIndex
}

// EOF reports whether the segment has rejected an append because it
// has no room left for another entry.
func (s *Segment) EOF() bool {
	s.rw.RLock()
	defer s.rw.RUnlock()
	return s.eof
}

// Write appends entry to the segment. It requires entry.Index ==
// LastIndex()+1. It returns a *errs.Error with KindSegmentFull when
// the segment has no room for another entry; the caller (the log
// manager) interprets that as a roll signal, not a failure.
func (s *Segment) Write(entry wire.Entry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.rw.Lock()
	defer s.rw.Unlock()

	if !s.isOpen {
		return errs.New("segment.Write", errs.KindNotOpen, "segment not open")
	}
	if entry.Index != s.lastIndex+1 {
		return errs.New("segment.Write", errs.KindInvalidArgument, "entry index is not contiguous")
	}

	size := wire.EncodedSize(entry)
	framed := dataFrameOverhead + size
	if s.dataRegionSize-s.writeOff < framed {
		s.eof = true
		if s.logger != nil {
			s.logger.Debug().Str("segment", s.dataPath).Msg("segment full")
		}
		return errs.New("segment.Write", errs.KindSegmentFull, "segment has no room for another entry")
	}

	slotIdx := entry.Index - s.startIndex
	slotOff := int(slotIdx) * indexSlotSize
	if slotOff+indexSlotSize > s.indexRegionSize {
		s.eof = true
		return errs.New("segment.Write", errs.KindSegmentFull, "index region exhausted")
	}

	off := s.writeOff
	atomicStoreU32(s.data[off:off+4], wire.MagicStart)
	n := wire.PutEntry(s.data[off+4:], entry)
	wire.PutUint32(s.data[off+4+n:off+8+n], wire.MagicEnd)

	slot := s.index[slotOff : slotOff+indexSlotSize]
	wire.PutUint64(slot[4:12], entry.Index)
	wire.PutUint32(slot[12:16], uint32(off))
	wire.PutUint32(slot[16:20], wire.MagicEnd)
	// The leading MAGIC_START is the commit point: publish it only
	// after the data bytes and the rest of the slot are in place, so
	// a concurrent reader never observes a torn entry.
	atomicStoreU32(slot[0:4], wire.MagicStart)

	s.lastIndex = entry.Index
	s.writeOff = off + framed

	if s.metrics != nil {
		s.metrics.EntryBytesWritten.Add(float64(size))
		s.metrics.EntriesWritten.Inc()
	}
	return nil
}

// lookupOffset resolves index to its data-region byte offset via the
// index region, verifying the slot's framing and stored index.
func (s *Segment) lookupOffset(index uint64) (int, uint64, error) {
	if index < s.startIndex || index > s.lastIndex {
		return 0, 0, errs.New("segment.lookupOffset", errs.KindNotFound, "index not in segment")
	}
	slotOff := int(index-s.startIndex) * indexSlotSize
	if slotOff+indexSlotSize > s.indexRegionSize {
		return 0, 0, errs.New("segment.lookupOffset", errs.KindNotFound, "index beyond index region")
	}
	slot := s.index[slotOff : slotOff+indexSlotSize]
	if atomicLoadU32(slot[0:4]) != wire.MagicStart {
		return 0, 0, errs.New("segment.lookupOffset", errs.KindNotFound, "index slot vacant")
	}
	storedIndex := wire.GetUint64(slot[4:12])
	if storedIndex != index {
		return 0, 0, errs.New("segment.lookupOffset", errs.KindCorruption, "index slot stores unexpected index")
	}
	offset := wire.GetUint32(slot[12:16])
	if wire.GetUint32(slot[16:20]) != wire.MagicEnd {
		return 0, 0, errs.New("segment.lookupOffset", errs.KindCorruption, "index slot missing MAGIC_END")
	}
	return int(offset), storedIndex, nil
}

// readLocked decodes the entry at index. Callers must hold rw for
// reading (or writing).
func (s *Segment) readLocked(index uint64) (wire.Entry, error) {
	off, _, err := s.lookupOffset(index)
	if err != nil {
		return wire.Entry{}, err
	}
	if atomicLoadU32(s.data[off:off+4]) != wire.MagicStart {
		return wire.Entry{}, errs.New("segment.Read", errs.KindCorruption, "data frame missing MAGIC_START")
	}
	e, n := wire.GetEntry(s.data[off+4:])
	if wire.GetUint32(s.data[off+4+n:off+8+n]) != wire.MagicEnd {
		return wire.Entry{}, errs.New("segment.Read", errs.KindCorruption, "data frame missing MAGIC_END")
	}
	// Copy Data out of the mmap so callers can retain it safely.
	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	e.Data = data
	return e, nil
}

// Read returns the entry stored at index.
func (s *Segment) Read(index uint64) (wire.Entry, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()
	e, err := s.readLocked(index)
	if err != nil {
		return e, err
	}
	if s.metrics != nil {
		s.metrics.EntriesRead.Inc()
		s.metrics.EntryBytesRead.Add(float64(wire.EncodedSize(e)))
	}
	return e, nil
}

// ReadRange returns entries starting at from, stopping at the first of:
// maxCount entries collected, maxBytes of encoded payload collected,
// the segment's LastIndex, or the index region boundary. allowOversizedFirst
// exempts only the very first entry of this call from the maxBytes/maxCount
// check, so a caller stitching several ReadRange calls together (across a
// continuation or a segment boundary) can pass true exactly once, for the
// first entry of its overall range, and false afterward so a single
// oversized entry can't be force-included again and again.
func (s *Segment) ReadRange(from uint64, maxBytes, maxCount int, allowOversizedFirst bool) ([]wire.Entry, int, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()

	if from < s.startIndex || from > s.lastIndex {
		return nil, 0, errs.New("segment.ReadRange", errs.KindNotFound, "index out of range")
	}

	var entries []wire.Entry
	bytesConsumed := 0
	idx := from
	for {
		e, err := s.readLocked(idx)
		if err != nil {
			break
		}
		size := wire.EncodedSize(e)
		exempt := allowOversizedFirst && len(entries) == 0
		if !exempt && (bytesConsumed+size > maxBytes || len(entries)+1 > maxCount) {
			break
		}
		entries = append(entries, e)
		bytesConsumed += size
		if s.metrics != nil {
			s.metrics.EntriesRead.Inc()
			s.metrics.EntryBytesRead.Add(float64(size))
		}
		if idx == s.lastIndex || len(entries) >= maxCount {
			break
		}
		idx++
	}
	return entries, bytesConsumed, nil
}

// Truncate drops every entry above index, repositioning the write
// cursor so the next Write must supply index+1. It zeroes the index
// slots from index+1 through the old LastIndex, not index itself, so
// the entry at index stays readable after the call and a dropped slot
// cannot resurface on reload once index+1 is written again.
func (s *Segment) Truncate(index uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.rw.Lock()
	defer s.rw.Unlock()

	if !s.isOpen {
		return errs.New("segment.Truncate", errs.KindNotOpen, "segment not open")
	}
	if index < s.startIndex || index > s.lastIndex {
		return errs.New("segment.Truncate", errs.KindOutOfRange, "truncate index out of range")
	}

	for next := index + 1; next <= s.lastIndex; next++ {
		slotOff := int(next-s.startIndex) * indexSlotSize
		atomicStoreU32(s.index[slotOff:slotOff+4], 0)
	}

	s.lastIndex = index
	s.eof = false
	return s.repositionWriteCursor()
}

// SetAutoDelete marks the segment's files for unlinking once it is
// closed with no remaining references.
func (s *Segment) SetAutoDelete(v bool) {
	if v {
		atomic.StoreInt32(&s.autoDelete, 1)
	} else {
		atomic.StoreInt32(&s.autoDelete, 0)
	}
}

// Retain increments the segment's reference count. Call sites that
// look a segment up and intend to use it after releasing the owning
// map's lock must Retain before releasing that lock and Release once
// done.
func (s *Segment) Retain() {
	atomic.AddInt32(&s.refCount, 1)
}

// Release decrements the segment's reference count. When the count
// reaches zero and the segment has been marked Removed by its owner,
// the segment is closed and, if AutoDelete was set, its files are
// unlinked.
func (s *Segment) Release() {
	if atomic.AddInt32(&s.refCount, -1) == 0 && atomic.LoadInt32(&s.removed) == 1 {
		s.finalize()
	}
}

// MarkRemoved tells the segment its owning map no longer references
// it, dropping the map's implicit reference. This may finalize the
// segment immediately if no other references are outstanding.
func (s *Segment) MarkRemoved() {
	atomic.StoreInt32(&s.removed, 1)
	s.Release()
}

func (s *Segment) finalize() {
	s.rw.Lock()
	defer s.rw.Unlock()
	if !s.isOpen {
		return
	}
	s.data.Sync(gommap.MS_SYNC)
	s.index.Sync(gommap.MS_SYNC)
	s.data.UnsafeUnmap()
	s.index.UnsafeUnmap()
	s.dataFile.Close()
	s.indexFile.Close()
	s.isOpen = false

	if atomic.LoadInt32(&s.autoDelete) == 1 {
		os.Remove(s.dataPath)
		os.Remove(s.indexPath)
		if s.logger != nil {
			s.logger.Debug().Str("segment", s.dataPath).Msg("segment files unlinked")
		}
	}
}

// Close flushes and unmaps the segment without regard to references.
// It is used when shutting the whole store down, not during ordinary
// discard/truncate traffic.
func (s *Segment) Close() error {
	s.rw.Lock()
	if !s.isOpen {
		s.rw.Unlock()
		return nil
	}
	s.rw.Unlock()
	s.finalize()
	return nil
}

// DataPath returns the path of the segment's data file.
func (s *Segment) DataPath() string { return s.dataPath }

// IndexPath returns the path of the segment's index file.
func (s *Segment) IndexPath() string { return s.indexPath }

func atomicLoadU32(b []byte) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

func atomicStoreU32(b []byte, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
}

// Package raftlog implements the log manager: it orders segments by
// their starting index, routes reads to the right one, appends to
// (and rolls) the tail segment, and implements whole-segment discard
// and cross-segment truncate.
package raftlog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/raftkv/raftlog/internal/errs"
	"github.com/raftkv/raftlog/internal/metrics"
	"github.com/raftkv/raftlog/internal/segment"
	"github.com/raftkv/raftlog/internal/wire"
)

// DefaultExtension is the filename suffix for a segment's data file.
const DefaultExtension = ".log"

// Options configures a Manager and the segments it creates.
type Options struct {
	// SegmentMaxSize is passed through to segment.Options.MaxSize for
	// every segment this manager creates.
	SegmentMaxSize int
	// Extension is the segment data file suffix. Defaults to
	// DefaultExtension.
	Extension string
	Logger    *zerolog.Logger
	Metrics   *metrics.Metrics
}

func (o Options) extension() string {
	if o.Extension == "" {
		return DefaultExtension
	}
	return o.Extension
}

// Manager owns an ordered set of segments rooted at dir and tracks the
// logical tail of the log even when no segments exist (e.g. after a
// snapshot-driven discard of the entire log).
type Manager struct {
	mu   sync.Mutex
	dir  string
	opts Options

	segments []*segment.Segment // ascending by StartIndex
	tail     *segment.Segment

	lastIndex uint64
	lastTerm  uint64
}

// Open creates a Manager rooted at dir and reloads any segments
// already there.
func Open(dir string, opts Options) (*Manager, error) {
	m := &Manager{dir: dir, opts: opts}
	if err := m.ReloadLogs(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReloadLogs lists the segment data files in dir in ascending order of
// their numeric start-index prefix, opens each, drops any that turn
// out empty, and recovers LastIndex/LastTerm from the tail.
func (m *Manager) ReloadLogs() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(m.dir, 0755); mkErr != nil {
				return errs.Wrap("raftlog.ReloadLogs", errs.KindIo, "create log directory", mkErr)
			}
			return nil
		}
		return errs.Wrap("raftlog.ReloadLogs", errs.KindIo, "read log directory", err)
	}

	ext := m.opts.extension()
	var starts []uint64
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ext+".index") || !strings.HasSuffix(name, ext) {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		start, perr := strconv.ParseUint(base, 10, 64)
		if perr != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var segs []*segment.Segment
	for _, start := range starts {
		path := filepath.Join(m.dir, strconv.FormatUint(start, 10)+ext)
		s, err := segment.Open(path, start, segment.Options{
			MaxSize: m.opts.SegmentMaxSize,
			Logger:  m.opts.Logger,
			Metrics: m.opts.Metrics,
		})
		if err != nil {
			return errs.Wrap("raftlog.ReloadLogs", errs.KindIo, "open segment "+path, err)
		}
		if s.Empty() {
			s.SetAutoDelete(true)
			s.MarkRemoved()
			continue
		}
		segs = append(segs, s)
	}

	m.segments = segs
	if len(segs) > 0 {
		m.tail = segs[len(segs)-1]
		m.lastIndex = m.tail.LastIndex()
		e, err := m.tail.Read(m.lastIndex)
		if err != nil {
			return err
		}
		m.lastTerm = e.Term
	}
	return nil
}

// Append writes entry to the tail segment, rolling to a freshly
// created segment first if the tail is absent or full. It returns
// entry.Index on success.
func (m *Manager) Append(entry wire.Entry) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Metrics != nil {
		m.opts.Metrics.Appends.Inc()
	}

	if m.tail != nil {
		err := m.tail.Write(entry)
		if err == nil {
			m.lastIndex = entry.Index
			m.lastTerm = entry.Term
			return entry.Index, nil
		}
		if !errs.Is(err, errs.KindSegmentFull) {
			return 0, err
		}
	}

	path := filepath.Join(m.dir, strconv.FormatUint(entry.Index, 10)+m.opts.extension())
	s, err := segment.Open(path, entry.Index, segment.Options{
		MaxSize: m.opts.SegmentMaxSize,
		Logger:  m.opts.Logger,
		Metrics: m.opts.Metrics,
	})
	if err != nil {
		return 0, errs.Wrap("raftlog.Append", errs.KindIo, "create segment", err)
	}
	if err := s.Write(entry); err != nil {
		s.SetAutoDelete(true)
		s.MarkRemoved()
		return 0, errs.Wrap("raftlog.Append", errs.KindIo, "write to new segment", err)
	}

	m.segments = append(m.segments, s)
	m.tail = s
	m.lastIndex = entry.Index
	m.lastTerm = entry.Term
	if m.opts.Metrics != nil {
		m.opts.Metrics.SegmentRotations.Inc()
	}
	if m.opts.Logger != nil {
		m.opts.Logger.Info().Str("segment", path).Msg("rolled to new segment")
	}
	return entry.Index, nil
}

// findSegment locates the segment that should contain index, retains
// it, and returns it for the caller to use and Release once done. It
// returns nil if no segment covers index.
func (m *Manager) findSegment(index uint64) *segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tail != nil && index >= m.tail.StartIndex() {
		m.tail.Retain()
		return m.tail
	}
	for i := len(m.segments) - 1; i >= 0; i-- {
		if m.segments[i].StartIndex() <= index {
			m.segments[i].Retain()
			return m.segments[i]
		}
	}
	return nil
}

// Read returns the entry at index.
func (m *Manager) Read(index uint64) (wire.Entry, error) {
	m.mu.Lock()
	empty := len(m.segments) == 0
	start := m.startIndexLocked()
	last := m.lastIndex
	m.mu.Unlock()

	if empty || index < start || index > last {
		return wire.Entry{}, errs.New("raftlog.Read", errs.KindNotFound, "index not in log")
	}

	s := m.findSegment(index)
	if s == nil {
		return wire.Entry{}, errs.New("raftlog.Read", errs.KindNotFound, "index not in log")
	}
	defer s.Release()
	return s.Read(index)
}

// ReadRange delegates to successive segments starting at index,
// decrementing maxBytes/maxCount by what each segment returns, until a
// segment returns nothing more, index passes LastIndex, or a budget is
// exhausted. Only the very first entry of the whole call is exempt from
// the maxBytes/maxCount check (so an empty result is never returned
// just because the first available entry is larger than the budget);
// every entry after that, whether from the same segment's continuation
// or the next segment, is gated normally so the total never balloons
// past either cap.
func (m *Manager) ReadRange(index uint64, maxBytes, maxCount int) ([]wire.Entry, error) {
	var out []wire.Entry
	for maxBytes > 0 && maxCount > 0 {
		m.mu.Lock()
		last := m.lastIndex
		m.mu.Unlock()
		if index > last {
			break
		}

		s := m.findSegment(index)
		if s == nil {
			break
		}
		entries, bytesConsumed, err := s.ReadRange(index, maxBytes, maxCount, len(out) == 0)
		s.Release()
		if err != nil || len(entries) == 0 {
			break
		}

		out = append(out, entries...)
		index += uint64(len(entries))
		maxCount -= len(entries)
		maxBytes -= bytesConsumed
	}
	return out, nil
}

// Truncate drops every entry above index: segments whose StartIndex is
// strictly above index are marked for deletion and removed from the
// manager; the segment straddling index is tail-truncated in place.
// Segments are never selected by LastIndex <= index, since that would
// delete the very segments truncate-tail is supposed to keep.
func (m *Manager) Truncate(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < m.startIndexLocked() || index > m.lastIndex {
		if m.opts.Metrics != nil {
			m.opts.Metrics.Truncations.WithLabelValues("false").Inc()
		}
		return errs.New("raftlog.Truncate", errs.KindOutOfRange, "truncate index out of range")
	}

	keep := m.segments[:0:0]
	var straddling *segment.Segment
	for _, s := range m.segments {
		if s.StartIndex() > index {
			s.SetAutoDelete(true)
			s.MarkRemoved()
			continue
		}
		keep = append(keep, s)
		if index >= s.StartIndex() && index <= s.LastIndex() {
			straddling = s
		}
	}
	m.segments = keep

	if straddling != nil {
		if err := straddling.Truncate(index); err != nil {
			if m.opts.Metrics != nil {
				m.opts.Metrics.Truncations.WithLabelValues("false").Inc()
			}
			return err
		}
	}

	if len(m.segments) > 0 {
		m.tail = m.segments[len(m.segments)-1]
	} else {
		m.tail = nil
	}
	m.lastIndex = index
	if m.tail != nil {
		if e, err := m.tail.Read(index); err == nil {
			m.lastTerm = e.Term
		}
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.Truncations.WithLabelValues("true").Inc()
	}
	return nil
}

// Discard removes whole segments whose LastIndex is <= uptoIndex,
// stopping at the first segment that straddles uptoIndex. It returns
// the number of segments removed.
func (m *Manager) Discard(uptoIndex uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	i := 0
	for ; i < len(m.segments); i++ {
		s := m.segments[i]
		if s.LastIndex() > uptoIndex {
			break
		}
		s.SetAutoDelete(true)
		s.MarkRemoved()
		removed++
		if m.opts.Logger != nil {
			m.opts.Logger.Info().Str("segment", s.DataPath()).Msg("discarded segment")
		}
	}
	m.segments = m.segments[i:]
	if len(m.segments) == 0 {
		m.tail = nil
	}
	if m.opts.Metrics != nil && removed > 0 {
		m.opts.Metrics.Discards.Add(float64(removed))
	}
	return removed
}

func (m *Manager) startIndexLocked() uint64 {
	if len(m.segments) > 0 {
		return m.segments[0].StartIndex()
	}
	return m.lastIndex
}

// StartIndex returns the smallest live index, or LastIndex() when the
// log is empty.
func (m *Manager) StartIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startIndexLocked()
}

// LastIndex returns the highest index written so far.
func (m *Manager) LastIndex() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndex
}

// LastTerm returns the term of the entry at LastIndex.
func (m *Manager) LastTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTerm
}

// LogCount returns the number of live segments.
func (m *Manager) LogCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

// LogsInfo returns a snapshot of start_index -> last_index for every
// live segment.
func (m *Manager) LogsInfo() map[uint64]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]uint64, len(m.segments))
	for _, s := range m.segments {
		out[s.StartIndex()] = s.LastIndex()
	}
	return out
}

// SetLastIndex repoints the logical tail, used after a snapshot has
// discarded every segment.
func (m *Manager) SetLastIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastIndex = index
}

// SetLastTerm repoints the logical tail's term alongside SetLastIndex.
func (m *Manager) SetLastTerm(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTerm = term
}

// Close closes every live segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

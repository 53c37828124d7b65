// Package metadata implements the versioned metadata journal: an
// append-only log of small tagged records recording current_term,
// voted_for/vote_term, committed_index, applied_index, and cluster
// membership, with a compaction-by-rewrite strategy when the journal
// file fills.
package metadata

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tysonmote/gommap"

	"github.com/raftkv/raftlog/internal/errs"
	"github.com/raftkv/raftlog/internal/metrics"
	"github.com/raftkv/raftlog/internal/wire"
)

// DefaultExtension is the filename suffix for a metadata file.
const DefaultExtension = ".meta"

// DefaultMaxFileSize is used when Options.MaxFileSize is zero.
const DefaultMaxFileSize = 1 << 20

// frameOverhead is MAGIC_START(4) + TAG(1) + MAGIC_END(4).
const frameOverhead = 9

// guardBytes reserves room so a reload can always safely peek a
// MAGIC_START (or the absence of one) without running off the mapped
// region.
const guardBytes = 4

// Tag identifies which field a metadata record carries.
type Tag uint8

const (
	TagAppliedIndex   Tag = 1
	TagCommittedIndex Tag = 2
	TagVoteFor        Tag = 3
	TagCurrentTerm    Tag = 4
	TagPeerInfo       Tag = 5
)

// Peer is one cluster member as recorded in a PEER_INFO record.
type Peer struct {
	ID   string
	Addr string
}

// Snapshot is the in-memory view of the journal's current values.
type Snapshot struct {
	CurrentTerm    uint64
	CommittedIndex uint64
	AppliedIndex   uint64
	VoteTerm       uint64
	VoteFor        string
	Peers          []Peer
}

// Options configures a Store.
type Options struct {
	// MaxFileSize bounds each journal file; defaults to
	// DefaultMaxFileSize.
	MaxFileSize int
	// Extension is the metadata file suffix. Defaults to
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

func (o Options) maxFileSize() int {
	if o.MaxFileSize <= 0 {
		return DefaultMaxFileSize
	}
	return o.MaxFileSize
}

// Store is the versioned metadata journal for one Raft node.
type Store struct {
	mu   sync.Mutex
	dir  string
	opts Options

	fileIndex uint64
	filePath  string
	file      *os.File
	mmap      gommap.MMap
	cursor    int

	snap Snapshot
}

// Open reloads dir's metadata files, adopting the highest-numbered
// file that parses clean, or creates a fresh one if none do.
func Open(dir string, opts Options) (*Store, error) {
	st := &Store{dir: dir, opts: opts}
	if err := st.reload(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *Store) reload() error {
	if err := os.MkdirAll(st.dir, 0755); err != nil {
		return errs.Wrap("metadata.reload", errs.KindIo, "create metadata directory", err)
	}

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return errs.Wrap("metadata.reload", errs.KindIo, "read metadata directory", err)
	}

	ext := st.opts.extension()
	var files []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}
		n, perr := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
		if perr != nil {
			continue
		}
		files = append(files, n)
	}
	sort.Slice(files, func(i, j int) bool { return files[i] > files[j] })

	for _, n := range files {
		path := filepath.Join(st.dir, strconv.FormatUint(n, 10)+ext)
		f, mm, err := st.mapExisting(path)
		if err != nil {
			if st.opts.Logger != nil {
				st.opts.Logger.Error().Err(err).Str("file", path).Msg("failed to open metadata file")
			}
			continue
		}
		snap, cursor, ok := scan(mm, st.opts.maxFileSize())
		if !ok {
			mm.UnsafeUnmap()
			f.Close()
			if st.opts.Logger != nil {
				st.opts.Logger.Error().Str("file", path).Msg("metadata file broken, trying older file")
			}
			continue
		}
		st.file = f
		st.mmap = mm
		st.cursor = cursor
		st.fileIndex = n
		st.filePath = path
		st.snap = snap
		return nil
	}

	st.fileIndex = 0
	return st.rotate()
}

func (st *Store) mapExisting(path string) (*os.File, gommap.MMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Truncate(path, int64(st.opts.maxFileSize())); err != nil {
		f.Close()
		return nil, nil, err
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, mm, nil
}

func (st *Store) createFile(path string) (*os.File, gommap.MMap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, err
	}
	if err := os.Truncate(path, int64(st.opts.maxFileSize())); err != nil {
		f.Close()
		return nil, nil, err
	}
	mm, err := gommap.Map(f.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, mm, nil
}

// scan walks a mapped metadata file forward from byte 0, decoding
// records until it finds the append point (a slot whose leading u32 is
// not MAGIC_START) or the end of the mapped region. It returns ok=false
// on any framing mismatch, signaling the caller to fall back to an
// older file.
func scan(mm gommap.MMap, maxSize int) (Snapshot, int, bool) {
	var snap Snapshot
	pos := 0
	for {
		if pos+4 > maxSize {
			return snap, pos, true
		}
		if wire.GetUint32(mm[pos:pos+4]) != wire.MagicStart {
			return snap, pos, true
		}
		if pos+frameOverhead > maxSize {
			return snap, pos, false
		}
		tag := Tag(wire.GetUint8(mm[pos+4 : pos+5]))
		body := pos + 5

		switch tag {
		case TagCommittedIndex:
			if body+8+4 > maxSize {
				return snap, pos, false
			}
			snap.CommittedIndex = wire.GetUint64(mm[body : body+8])
			if wire.GetUint32(mm[body+8:body+12]) != wire.MagicEnd {
				return snap, pos, false
			}
			pos = body + 12
		case TagAppliedIndex:
			if body+8+4 > maxSize {
				return snap, pos, false
			}
			snap.AppliedIndex = wire.GetUint64(mm[body : body+8])
			if wire.GetUint32(mm[body+8:body+12]) != wire.MagicEnd {
				return snap, pos, false
			}
			pos = body + 12
		case TagCurrentTerm:
			if body+8+4 > maxSize {
				return snap, pos, false
			}
			snap.CurrentTerm = wire.GetUint64(mm[body : body+8])
			if wire.GetUint32(mm[body+8:body+12]) != wire.MagicEnd {
				return snap, pos, false
			}
			pos = body + 12
		case TagVoteFor:
			if body+8 > maxSize {
				return snap, pos, false
			}
			term := wire.GetUint64(mm[body : body+8])
			n := body + 8
			if n+4 > maxSize {
				return snap, pos, false
			}
			id, sz := wire.GetString(mm[n:])
			n += sz
			if n+4 > maxSize {
				return snap, pos, false
			}
			if wire.GetUint32(mm[n:n+4]) != wire.MagicEnd {
				return snap, pos, false
			}
			snap.VoteTerm = term
			snap.VoteFor = id
			pos = n + 4
		case TagPeerInfo:
			if body+4 > maxSize {
				return snap, pos, false
			}
			count := wire.GetUint32(mm[body : body+4])
			n := body + 4
			peers := make([]Peer, 0, count)
			for i := uint32(0); i < count; i++ {
				if n+4 > maxSize {
					return snap, pos, false
				}
				id, sz := wire.GetString(mm[n:])
				n += sz
				if n+4 > maxSize {
					return snap, pos, false
				}
				addr, sz2 := wire.GetString(mm[n:])
				n += sz2
				peers = append(peers, Peer{ID: id, Addr: addr})
			}
			if n+4 > maxSize {
				return snap, pos, false
			}
			if wire.GetUint32(mm[n:n+4]) != wire.MagicEnd {
				return snap, pos, false
			}
			snap.Peers = peers
			pos = n + 4
		default:
			return snap, pos, false
		}
	}
}

func voteForRecordLen(id string) int {
	return 8 + wire.StringSize(id)
}

func peerInfoRecordLen(peers []Peer) int {
	n := 4
	for _, p := range peers {
		n += wire.StringSize(p.ID) + wire.StringSize(p.Addr)
	}
	return n
}

// ensureRoom rotates to a fresh file if the current one cannot hold
// another record of payloadLen bytes plus the guard.
func (st *Store) ensureRoom(payloadLen int) error {
	recordLen := frameOverhead + payloadLen
	remaining := st.opts.maxFileSize() - st.cursor
	if remaining >= recordLen+guardBytes {
		return nil
	}
	return st.rotate()
}

// appendRecord writes MAGIC_START | tag | payload | MAGIC_END at the
// current cursor and advances it.
func (st *Store) appendRecord(tag Tag, writePayload func([]byte) int) {
	b := st.mmap[st.cursor:]
	wire.PutUint32(b, wire.MagicStart)
	wire.PutUint8(b[4:], uint8(tag))
	n := writePayload(b[5:])
	wire.PutUint32(b[5+n:], wire.MagicEnd)
	st.cursor += frameOverhead + n
}

// rotate creates file_index+1, writes a consolidated checkpoint of
// every current value into it, unlinks the old file, and makes the
// new file current.
func (st *Store) rotate() error {
	next := st.fileIndex + 1
	path := filepath.Join(st.dir, strconv.FormatUint(next, 10)+st.opts.extension())

	f, mm, err := st.createFile(path)
	if err != nil {
		return errs.Wrap("metadata.rotate", errs.KindIo, "create metadata file", err)
	}

	oldFile, oldMmap, oldPath := st.file, st.mmap, st.filePath
	st.file, st.mmap, st.cursor, st.fileIndex, st.filePath = f, mm, 0, next, path

	if err := st.checkpoint(); err != nil {
		return errs.Wrap("metadata.rotate", errs.KindIo, "checkpoint new metadata file", err)
	}

	if oldMmap != nil {
		oldMmap.Sync(gommap.MS_SYNC)
		oldMmap.UnsafeUnmap()
	}
	if oldFile != nil {
		oldFile.Close()
	}
	if oldPath != "" {
		os.Remove(oldPath)
	}

	if st.opts.Metrics != nil {
		st.opts.Metrics.MetadataRotations.Inc()
	}
	if st.opts.Logger != nil {
		st.opts.Logger.Info().Str("file", path).Msg("rotated metadata journal")
	}
	return nil
}

// checkpoint writes every current value into the (freshly rotated or
// newly created) file in one shot, producing a self-contained newest
// file, including the peer list alongside the four scalar tags so a
// reload never has to fall back past a checkpoint for membership.
func (st *Store) checkpoint() error {
	maxSize := st.opts.maxFileSize()

	write := func(tag Tag, payloadLen int, fn func([]byte) int) error {
		if st.cursor+frameOverhead+payloadLen > maxSize {
			return errs.New("metadata.checkpoint", errs.KindIo, "metadata file too small for checkpoint")
		}
		st.appendRecord(tag, fn)
		return nil
	}

	if err := write(TagAppliedIndex, 8, func(b []byte) int { return wire.PutUint64(b, st.snap.AppliedIndex) }); err != nil {
		return err
	}
	if err := write(TagCommittedIndex, 8, func(b []byte) int { return wire.PutUint64(b, st.snap.CommittedIndex) }); err != nil {
		return err
	}
	if err := write(TagCurrentTerm, 8, func(b []byte) int { return wire.PutUint64(b, st.snap.CurrentTerm) }); err != nil {
		return err
	}
	voteLen := voteForRecordLen(st.snap.VoteFor)
	if err := write(TagVoteFor, voteLen, func(b []byte) int {
		n := wire.PutUint64(b, st.snap.VoteTerm)
		n += wire.PutString(b[n:], st.snap.VoteFor)
		return n
	}); err != nil {
		return err
	}
	peerLen := peerInfoRecordLen(st.snap.Peers)
	if err := write(TagPeerInfo, peerLen, func(b []byte) int {
		n := wire.PutUint32(b, uint32(len(st.snap.Peers)))
		for _, p := range st.snap.Peers {
			n += wire.PutString(b[n:], p.ID)
			n += wire.PutString(b[n:], p.Addr)
		}
		return n
	}); err != nil {
		return err
	}
	return nil
}

// SetCommittedIndex appends a new COMMITTED_INDEX record.
func (st *Store) SetCommittedIndex(index uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.ensureRoom(8); err != nil {
		return err
	}
	st.appendRecord(TagCommittedIndex, func(b []byte) int { return wire.PutUint64(b, index) })
	st.snap.CommittedIndex = index
	st.countWrite("committed_index")
	return nil
}

// GetCommittedIndex returns the in-memory committed index.
func (st *Store) GetCommittedIndex() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap.CommittedIndex
}

// SetAppliedIndex appends a new APPLIED_INDEX record.
func (st *Store) SetAppliedIndex(index uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.ensureRoom(8); err != nil {
		return err
	}
	st.appendRecord(TagAppliedIndex, func(b []byte) int { return wire.PutUint64(b, index) })
	st.snap.AppliedIndex = index
	st.countWrite("applied_index")
	return nil
}

// GetAppliedIndex returns the in-memory applied index.
func (st *Store) GetAppliedIndex() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap.AppliedIndex
}

// SetCurrentTerm appends a new CURRENT_TERM record.
func (st *Store) SetCurrentTerm(term uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.ensureRoom(8); err != nil {
		return err
	}
	st.appendRecord(TagCurrentTerm, func(b []byte) int { return wire.PutUint64(b, term) })
	st.snap.CurrentTerm = term
	st.countWrite("current_term")
	return nil
}

// GetCurrentTerm returns the in-memory current term.
func (st *Store) GetCurrentTerm() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap.CurrentTerm
}

// SetVoteFor appends a new VOTE_FOR record.
func (st *Store) SetVoteFor(id string, term uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	payloadLen := voteForRecordLen(id)
	if err := st.ensureRoom(payloadLen); err != nil {
		return err
	}
	st.appendRecord(TagVoteFor, func(b []byte) int {
		n := wire.PutUint64(b, term)
		n += wire.PutString(b[n:], id)
		return n
	})
	st.snap.VoteTerm = term
	st.snap.VoteFor = id
	st.countWrite("vote_for")
	return nil
}

// GetVoteFor returns the in-memory (term, candidate id) pair.
func (st *Store) GetVoteFor() (uint64, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snap.VoteTerm, st.snap.VoteFor
}

// SetPeerInfos appends a new PEER_INFO record.
func (st *Store) SetPeerInfos(peers []Peer) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := make([]Peer, len(peers))
	copy(cp, peers)
	payloadLen := peerInfoRecordLen(cp)
	if err := st.ensureRoom(payloadLen); err != nil {
		return err
	}
	st.appendRecord(TagPeerInfo, func(b []byte) int {
		n := wire.PutUint32(b, uint32(len(cp)))
		for _, p := range cp {
			n += wire.PutString(b[n:], p.ID)
			n += wire.PutString(b[n:], p.Addr)
		}
		return n
	})
	st.snap.Peers = cp
	st.countWrite("peer_info")
	return nil
}

// GetPeerInfos returns the in-memory peer list.
func (st *Store) GetPeerInfos() []Peer {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Peer, len(st.snap.Peers))
	copy(out, st.snap.Peers)
	return out
}

func (st *Store) countWrite(tag string) {
	if st.opts.Metrics != nil {
		st.opts.Metrics.MetadataWrites.WithLabelValues(tag).Inc()
	}
}

// PrintStatus renders the current snapshot through the structured
// logger.
func (st *Store) PrintStatus() {
	st.mu.Lock()
	snap := st.snap
	st.mu.Unlock()

	if st.opts.Logger == nil {
		return
	}
	ev := st.opts.Logger.Info().
		Uint64("current_term", snap.CurrentTerm).
		Uint64("applied_index", snap.AppliedIndex).
		Uint64("committed_index", snap.CommittedIndex).
		Str("vote_for", snap.VoteFor).
		Uint64("vote_term", snap.VoteTerm)
	for _, p := range snap.Peers {
		ev = ev.Str("peer_"+p.ID, p.Addr)
	}
	ev.Msg("metadata status")
}

// Close flushes and unmaps the journal's current file.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.mmap == nil {
		return nil
	}
	st.mmap.Sync(gommap.MS_SYNC)
	st.mmap.UnsafeUnmap()
	err := st.file.Close()
	st.mmap = nil
	st.file = nil
	return err
}

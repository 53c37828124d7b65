package metadata

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, st.SetCurrentTerm(5))
	require.NoError(t, st.SetCommittedIndex(42))
	require.NoError(t, st.SetAppliedIndex(40))
	require.NoError(t, st.SetVoteFor("node-2", 5))
	require.NoError(t, st.SetPeerInfos([]Peer{
		{ID: "node-1", Addr: "10.0.0.1:8080"},
		{ID: "node-2", Addr: "10.0.0.2:8080"},
	}))

	require.Equal(t, uint64(5), st.GetCurrentTerm())
	require.Equal(t, uint64(42), st.GetCommittedIndex())
	require.Equal(t, uint64(40), st.GetAppliedIndex())
	term, id := st.GetVoteFor()
	require.Equal(t, uint64(5), term)
	require.Equal(t, "node-2", id)
	require.Len(t, st.GetPeerInfos(), 2)
}

func TestReloadIsIdempotentAfterSetters(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, Options{})
	require.NoError(t, err)

	require.NoError(t, st.SetCurrentTerm(3))
	require.NoError(t, st.SetCommittedIndex(10))
	require.NoError(t, st.SetAppliedIndex(9))
	require.NoError(t, st.SetVoteFor("node-7", 3))
	require.NoError(t, st.SetPeerInfos([]Peer{{ID: "node-7", Addr: "127.0.0.1:9000"}}))
	require.NoError(t, st.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), reopened.GetCurrentTerm())
	require.Equal(t, uint64(10), reopened.GetCommittedIndex())
	require.Equal(t, uint64(9), reopened.GetAppliedIndex())
	term, id := reopened.GetVoteFor()
	require.Equal(t, uint64(3), term)
	require.Equal(t, "node-7", id)
	require.Equal(t, []Peer{{ID: "node-7", Addr: "127.0.0.1:9000"}}, reopened.GetPeerInfos())
}

func TestRotationPreservesStateAndLeavesOneFile(t *testing.T) {
	dir := t.TempDir()
	// Sized to hold the checkpoint every rotate writes (three 17-byte
	// scalar records, an empty VOTE_FOR and an empty PEER_INFO) plus
	// three more 17-byte records (frameOverhead(9) + an 8-byte payload)
	// and the guard, so every fourth setter forces a rotate.
	checkpointLen := 3*17 + frameOverhead + voteForRecordLen("") + frameOverhead + peerInfoRecordLen(nil)
	maxSize := checkpointLen + 3*17 + guardBytes
	st, err := Open(dir, Options{MaxFileSize: maxSize})
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, st.SetCommittedIndex(i))
	}
	require.Equal(t, uint64(10), st.GetCommittedIndex())
	require.Len(t, listMetaFiles(t, dir), 1, "rotation must unlink every superseded file")

	require.NoError(t, st.Close())
	reopened, err := Open(dir, Options{MaxFileSize: maxSize})
	require.NoError(t, err)
	require.Equal(t, uint64(10), reopened.GetCommittedIndex())
}

func TestRotationCheckpointsPeerInfoAlongsideScalars(t *testing.T) {
	dir := t.TempDir()
	// 128 bytes holds the checkpoint plus the peer record, but leaves no
	// room for a CURRENT_TERM record after it, so every SetCurrentTerm
	// below rotates.
	st, err := Open(dir, Options{MaxFileSize: 128})
	require.NoError(t, err)

	require.NoError(t, st.SetPeerInfos([]Peer{{ID: "a", Addr: "1.2.3.4:1"}}))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, st.SetCurrentTerm(i))
	}

	require.NoError(t, st.Close())
	reopened, err := Open(dir, Options{MaxFileSize: 128})
	require.NoError(t, err)
	require.Equal(t, []Peer{{ID: "a", Addr: "1.2.3.4:1"}}, reopened.GetPeerInfos())
	require.Equal(t, uint64(5), reopened.GetCurrentTerm())
}

func TestReloadFallsBackPastCorruptNewestFile(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(dir, Options{MaxFileSize: 4096})
	require.NoError(t, err)
	require.NoError(t, st.SetCommittedIndex(7))
	require.NoError(t, st.Close())

	// Force a second, newer file to exist (a copy of the first, which
	// Open then adopts as the highest-numbered clean file), record a
	// newer value in it, then corrupt its first record's MAGIC_END so
	// reload must reject it and fall back.
	raw, err := os.ReadFile(filepath.Join(dir, "1"+DefaultExtension))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2"+DefaultExtension), raw, 0644))
	newer, err := Open(dir, Options{MaxFileSize: 4096})
	require.NoError(t, err)
	require.NoError(t, newer.SetCommittedIndex(8))
	require.NoError(t, newer.Close())

	corruptNewestFile(t, dir)

	reopened, err := Open(dir, Options{MaxFileSize: 4096})
	require.NoError(t, err)
	require.Equal(t, uint64(7), reopened.GetCommittedIndex())
}

func listMetaFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), DefaultExtension) {
			out = append(out, e.Name())
		}
	}
	return out
}

// corruptNewestFile flips the MAGIC_END word of the highest-numbered
// metadata file's first record, simulating a torn write.
func corruptNewestFile(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var best uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, DefaultExtension) {
			continue
		}
		n, perr := strconv.ParseUint(strings.TrimSuffix(name, DefaultExtension), 10, 64)
		require.NoError(t, perr)
		if n > best {
			best = n
		}
	}
	require.NotZero(t, best)

	path := filepath.Join(dir, strconv.FormatUint(best, 10)+DefaultExtension)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	// First record is TagAppliedIndex: MAGIC_START(4) TAG(1) VALUE(8),
	// so its MAGIC_END sits at byte 13.
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 13)
	require.NoError(t, err)
}

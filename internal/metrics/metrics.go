// Package metrics instruments the segment, log manager, and metadata
// stores with Prometheus counters. A nil *Metrics (the zero value of
// the Metrics field in each component's Options) disables
// instrumentation entirely, the same optionality every other component
// in this module gives its collaborators.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters shared by the segment store, log manager,
// and metadata journal.
type Metrics struct {
	EntryBytesWritten prometheus.Counter
	EntriesWritten    prometheus.Counter
	Appends           prometheus.Counter
	EntryBytesRead    prometheus.Counter
	EntriesRead       prometheus.Counter
	SegmentRotations  prometheus.Counter
	Truncations       *prometheus.CounterVec
	Discards          prometheus.Counter
	MetadataRotations prometheus.Counter
	MetadataWrites    *prometheus.CounterVec
}

// New constructs a Metrics registered against reg. With a nil
// Registerer, promauto creates the counters without registering them
// anywhere; callers that want to disable metrics should keep the
// *Metrics field nil instead of calling New.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		EntryBytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_written",
			Help: "Bytes of log entry payload written, after encoding, excluding frame magics.",
		}),
		EntriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entries_written",
			Help: "Number of log entries successfully appended.",
		}),
		Appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_appends_total",
			Help: "Number of calls to the log manager's Append.",
		}),
		EntryBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entry_bytes_read",
			Help: "Bytes of log entry payload read back from segments.",
		}),
		EntriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_entries_read",
			Help: "Number of log entries returned by Read/ReadRange.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_segment_rotations_total",
			Help: "Number of times the log manager rolled to a new tail segment.",
		}),
		Truncations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_truncations_total",
			Help: "Truncate calls, labeled by whether the call succeeded.",
		}, []string{"success"}),
		Discards: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_segments_discarded_total",
			Help: "Number of whole segments removed by Discard.",
		}),
		MetadataRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_metadata_rotations_total",
			Help: "Number of times the metadata journal rewrote itself into a new file.",
		}),
		MetadataWrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "raftlog_metadata_writes_total",
			Help: "Metadata record appends, labeled by tag.",
		}, []string{"tag"}),
	}
}

package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/charlesng35/sshkit/session"
)

var (
	// BytesSent counts payload bytes written to remote channels.
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshkit_bytes_sent_total",
		Help: "Total number of payload bytes sent over channels",
	})

	// BytesReceived counts payload bytes read from remote channels.
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshkit_bytes_received_total",
		Help: "Total number of payload bytes received over channels",
	})

	// SendSeconds accumulates wall time spent in sending calls.
	SendSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshkit_send_seconds_total",
		Help: "Total time spent sending, in seconds",
	})

	// ReceiveSeconds accumulates wall time spent in receiving calls.
	ReceiveSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sshkit_receive_seconds_total",
		Help: "Total time spent receiving, in seconds",
	})

	// TransferLatency observes per-call transfer durations by direction
	// (send|receive).
	TransferLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sshkit_transfer_latency_seconds",
			Help:    "Per-call transfer latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"direction"},
	)
)

// Recorder is a session.UsageSink backed by the package counters plus
// atomic totals for cheap snapshots. The warn threshold is echoed in
// snapshots; calls slower than it are additionally counted.
type Recorder struct {
	bytesSent uint64
	bytesRecv uint64
	sendNanos int64
	recvNanos int64
	slowCalls uint64

	warnThreshold time.Duration
}

var _ session.UsageSink = (*Recorder)(nil)
var _ session.UsageSnapshotter = (*Recorder)(nil)

// NewRecorder builds a recorder. warnThreshold of zero disables slow-call
// counting.
func NewRecorder(warnThreshold time.Duration) *Recorder {
	return &Recorder{warnThreshold: warnThreshold}
}

// RecordSend feeds one send timing sample.
func (r *Recorder) RecordSend(bytes int, elapsed time.Duration) {
	if r == nil || bytes <= 0 {
		return
	}
	atomic.AddUint64(&r.bytesSent, uint64(bytes))
	atomic.AddInt64(&r.sendNanos, int64(elapsed))
	r.observe("send", elapsed)
	BytesSent.Add(float64(bytes))
	SendSeconds.Add(elapsed.Seconds())
}

// RecordReceive feeds one receive timing sample.
func (r *Recorder) RecordReceive(bytes int, elapsed time.Duration) {
	if r == nil || bytes <= 0 {
		return
	}
	atomic.AddUint64(&r.bytesRecv, uint64(bytes))
	atomic.AddInt64(&r.recvNanos, int64(elapsed))
	r.observe("receive", elapsed)
	BytesReceived.Add(float64(bytes))
	ReceiveSeconds.Add(elapsed.Seconds())
}

func (r *Recorder) observe(direction string, elapsed time.Duration) {
	TransferLatency.WithLabelValues(direction).Observe(elapsed.Seconds())
	if r.warnThreshold > 0 && elapsed > r.warnThreshold {
		atomic.AddUint64(&r.slowCalls, 1)
	}
}

// UsageSnapshot returns the current totals.
func (r *Recorder) UsageSnapshot() session.UsageInfo {
	if r == nil {
		return session.UsageInfo{}
	}
	return session.UsageInfo{
		BytesSent:     atomic.LoadUint64(&r.bytesSent),
		BytesReceived: atomic.LoadUint64(&r.bytesRecv),
		SendTime:      time.Duration(atomic.LoadInt64(&r.sendNanos)),
		ReceiveTime:   time.Duration(atomic.LoadInt64(&r.recvNanos)),
		Extra: map[string]any{
			"warn_threshold": r.warnThreshold,
			"slow_calls":     atomic.LoadUint64(&r.slowCalls),
		},
	}
}

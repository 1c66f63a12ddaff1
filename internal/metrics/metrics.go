// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RxEventsTotal counts receive events delivered by the device
	RxEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcap4mcast_rx_events_total",
			Help: "Total number of receive events delivered by the network device",
		},
	)

	// FramesTotal counts parsed frames by outcome
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcap4mcast_frames_total",
			Help: "Total number of frames parsed, by result (accepted, bad_size, stale)",
		},
		[]string{"result"},
	)

	// FramesByEtherType counts accepted frames by the EtherType of their payload
	FramesByEtherType = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcap4mcast_frames_by_ethertype_total",
			Help: "Total number of accepted frames by Ethernet payload type",
		},
		[]string{"ethertype"},
	)

	// SequenceEventsTotal counts sequence anomalies seen with loss checking on
	SequenceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcap4mcast_sequence_events_total",
			Help: "Total number of sequence anomalies (lost, out_of_order)",
		},
		[]string{"kind"},
	)

	// SequenceLostFrames sums the gap sizes of reported losses
	SequenceLostFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcap4mcast_sequence_lost_frames_total",
			Help: "Total number of frames reported lost by sequence gaps",
		},
	)

	// ReorderQueueDepth tracks records waiting in the reorder buffer
	ReorderQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcap4mcast_reorder_queue_depth",
			Help: "Number of records waiting in the reorder buffer",
		},
	)

	// RecordsWrittenTotal counts records appended to the capture file by drain kind
	RecordsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcap4mcast_records_written_total",
			Help: "Total number of records appended to the capture file",
		},
		[]string{"drain"},
	)

	// BytesWrittenTotal counts payload bytes appended to the capture file
	BytesWrittenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcap4mcast_bytes_written_total",
			Help: "Total number of payload bytes appended to the capture file",
		},
	)

	// DrainDurationSeconds measures how long one drain pass takes
	DrainDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pcap4mcast_drain_duration_seconds",
			Help:    "Duration of reorder buffer drains in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to ~2.6s
		},
		[]string{"drain"},
	)

	// SessionState tracks the current session state
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcap4mcast_session_state",
			Help: "Current session state (0=initializing, 1=link_ready, 2=receiving, 3=closing, 4=terminated)",
		},
	)
)

// Drain kinds used as the "drain" label.
const (
	DrainPeriodic = "periodic"
	DrainForced   = "forced"
)

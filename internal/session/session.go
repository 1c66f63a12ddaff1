// Package session glues a network device to the capture file: received
// bytes are parsed into records, held in a reorder buffer and appended to
// the file once they are older than the flush horizon.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/device"
	"firestige.xyz/pcap4mcast/internal/frame"
	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/metrics"
	"firestige.xyz/pcap4mcast/internal/reorder"
	"firestige.xyz/pcap4mcast/internal/tick"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateInitializing State = iota
	StateLinkReady
	StateReceiving
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateLinkReady:
		return "LinkReady"
	case StateReceiving:
		return "Receiving"
	case StateClosing:
		return "Closing"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// RecordWriter persists drained records.
type RecordWriter interface {
	Append(rec *core.Record) error
	Sync() error
	Close() error
}

// Disposer is the part of a device Close needs to tear it down.
type Disposer interface {
	Dispose(cause string)
	Done() <-chan struct{}
}

type Options struct {
	FlushHorizon time.Duration    // default reorder.DefaultHorizon
	CheckLost    bool             // report sequence gaps
	Now          func() time.Time // default time.Now
	OnFatal      func(err error)  // called once when the capture file cannot be appended
	Logger       log.Logger
}

// Session implements device.Handler.
type Session struct {
	opts   Options
	logger log.Logger
	state  atomic.Int32

	anchor   tick.Anchor
	counters core.Counters
	buffer   *reorder.Buffer
	writer   RecordWriter

	parseMu sync.Mutex
	parser  *frame.Parser

	// drainMu serialises periodic and forced drains so records reach the
	// file in the order they leave the buffer.
	drainMu   sync.Mutex
	fatalOnce sync.Once
	failed    atomic.Bool
}

var _ device.Handler = (*Session)(nil)

func New(w RecordWriter, opts Options) *Session {
	if opts.FlushHorizon <= 0 {
		opts.FlushHorizon = reorder.DefaultHorizon
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	s := &Session{
		opts:   opts,
		logger: opts.Logger,
		buffer: reorder.New(opts.FlushHorizon),
		writer: w,
	}
	s.parser = frame.NewParser(&s.anchor, &s.counters, s.buffer, frame.Options{
		CheckLost: opts.CheckLost,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	metrics.SessionState.Set(float64(StateInitializing))
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		metrics.SessionState.Set(float64(st))
	}
}

// OnLinkReady arms the drain timer.
func (s *Session) OnLinkReady(dev device.Device) int {
	dev.TimerRunAfter(s.opts.FlushHorizon)
	s.setState(StateLinkReady)
	s.logger.WithField("horizon", s.opts.FlushHorizon).Info("link ready, capture started")
	return core.MaxPacketSize
}

// OnRecv parses every complete frame buffered in q. Data arriving after
// Close began is left unread.
func (s *Session) OnRecv(dev device.Device, q *device.RecvQueue) int {
	if s.State() >= StateClosing {
		return core.MaxPacketSize
	}
	s.state.CAS(int32(StateLinkReady), int32(StateReceiving))

	s.parseMu.Lock()
	s.parser.Feed(q)
	s.parseMu.Unlock()
	return core.MaxPacketSize
}

// OnTimer re-arms the timer, then writes every record older than the flush
// horizon.
func (s *Session) OnTimer(dev device.Device, now time.Time) {
	if s.State() >= StateClosing {
		return
	}
	dev.TimerRunAfter(s.opts.FlushHorizon)
	s.Drain(now)
}

// OnStateChanged writes everything pending once the link goes down.
func (s *Session) OnStateChanged(dev device.Device, e device.StateChange) {
	s.logger.WithFields(log.Fields{
		"before": e.Before,
		"after":  e.After,
		"cause":  e.Cause,
	}).Info("device state changed")
	if e.Before == device.StateLinkReady {
		s.drainAll()
	}
}

// Drain writes every record whose timestamp is older than now minus the
// flush horizon.
func (s *Session) Drain(now time.Time) int {
	return s.drain(metrics.DrainPeriodic, func(sink reorder.Sink) (int, error) {
		return s.buffer.DrainAged(now, sink)
	})
}

func (s *Session) drainAll() int {
	return s.drain(metrics.DrainForced, s.buffer.DrainAll)
}

func (s *Session) drain(kind string, fn func(reorder.Sink) (int, error)) int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	start := s.opts.Now()
	n, err := fn(s.append)
	metrics.DrainDurationSeconds.WithLabelValues(kind).Observe(s.opts.Now().Sub(start).Seconds())
	metrics.RecordsWrittenTotal.WithLabelValues(kind).Add(float64(n))
	if err != nil {
		s.fatal(err)
	}
	return n
}

func (s *Session) append(rec *core.Record) error {
	if err := s.writer.Append(rec); err != nil {
		return err
	}
	s.counters.LastAppNs.Store(rec.UnixNano())
	return nil
}

func (s *Session) fatal(err error) {
	s.fatalOnce.Do(func() {
		s.failed.Store(true)
		s.logger.WithError(err).Error("capture file append failed")
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(err)
		}
	})
}

// Failed reports whether an append has failed.
func (s *Session) Failed() bool {
	return s.failed.Load()
}

// Flush writes every pending record regardless of age, then syncs the file.
// Forcing records out early can break timestamp order in the file.
func (s *Session) Flush() (int, error) {
	n := s.drainAll()
	return n, s.writer.Sync()
}

// Sync commits written records to stable storage.
func (s *Session) Sync() error {
	return s.writer.Sync()
}

// Status is a snapshot of the session counters.
type Status struct {
	State     string `json:"state" yaml:"state"`
	PcapCount uint64 `json:"pcap_count" yaml:"pcap_count"`
	RxEvCount uint64 `json:"rx_ev_count" yaml:"rx_ev_count"`
	Queuing   int    `json:"queuing" yaml:"queuing"`
	PkLastRx  uint64 `json:"pk_last_rx_ns" yaml:"pk_last_rx_ns"`
	PkLastApp uint64 `json:"pk_last_app_ns" yaml:"pk_last_app_ns"`
}

func (st Status) String() string {
	return fmt.Sprintf("|PcapCount=%d|RxEvCount=%d|Queuing=%d|PkLastRx=%s|PkLastApp=%s",
		st.PcapCount, st.RxEvCount, st.Queuing,
		core.KeyFromNanos(st.PkLastRx), core.KeyFromNanos(st.PkLastApp))
}

func (s *Session) Status() Status {
	return Status{
		State:     s.State().String(),
		PcapCount: s.counters.Accepted.Load(),
		RxEvCount: s.counters.RxEvents.Load(),
		Queuing:   s.buffer.Len(),
		PkLastRx:  s.counters.LastRxNs.Load(),
		PkLastApp: s.counters.LastAppNs.Load(),
	}
}

// Close stops accepting data, writes everything pending, disposes dev and
// waits for it, then closes the file. dev may be nil.
func (s *Session) Close(ctx context.Context, dev Disposer) error {
	s.setState(StateClosing)
	s.drainAll()

	var err error
	if dev != nil {
		dev.Dispose("quit")
		select {
		case <-dev.Done():
		case <-ctx.Done():
			err = fmt.Errorf("wait device dispose: %w", ctx.Err())
		}
	}
	s.drainAll()
	err = multierr.Append(err, s.writer.Close())
	s.setState(StateTerminated)
	s.logger.WithField("status", s.Status().String()).Info("session closed")
	return err
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/device"
	"firestige.xyz/pcap4mcast/internal/frame"
	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/metrics"
)

type MockDevice struct {
	mock.Mock
	done chan struct{}
}

func (m *MockDevice) TimerRunAfter(d time.Duration) {
	m.Called(d)
}

func (m *MockDevice) State() device.State {
	return m.Called().Get(0).(device.State)
}

func (m *MockDevice) Dispose(cause string) {
	m.Called(cause)
}

func (m *MockDevice) Done() <-chan struct{} {
	return m.done
}

type memWriter struct {
	mu     sync.Mutex
	recs   []*core.Record
	syncs  int
	closed bool
	err    error
}

func (w *memWriter) Append(rec *core.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.recs = append(w.recs, rec)
	return nil
}

func (w *memWriter) Sync() error {
	w.mu.Lock()
	w.syncs++
	w.mu.Unlock()
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) tags() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, len(w.recs))
	for i, r := range w.recs {
		out[i] = r.Data[20]
	}
	return out
}

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// ticksPerMs is the number of 6.4ns ticks in one millisecond.
const ticksPerMs = 156250

func newTestSession(t *testing.T, w *memWriter, opts Options) *Session {
	t.Helper()
	l, _ := test.NewNullLogger()
	opts.Now = func() time.Time { return base }
	opts.Logger = log.FromLogrus(l)
	return New(w, opts)
}

// frameAt builds a frame captured ms milliseconds after the first one.
func frameAt(ms uint64, tag byte) []byte {
	payload := make([]byte, 60)
	payload[20] = tag
	return frame.AppendFrame(nil, frame.Header{TTS: 1000 + ms*ticksPerMs, PkBytes: 60}, payload)
}

func recv(s *Session, dev device.Device, frames ...[]byte) {
	q := device.NewRecvQueue(4096)
	for _, f := range frames {
		q.Append(f)
	}
	s.OnRecv(dev, q)
}

func TestOnLinkReadyArmsTimer(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", 200*time.Millisecond).Return().Once()

	s := newTestSession(t, &memWriter{}, Options{FlushHorizon: 200 * time.Millisecond})
	assert.Equal(t, StateInitializing, s.State())
	assert.Equal(t, core.MaxPacketSize, s.OnLinkReady(dev))
	assert.Equal(t, StateLinkReady, s.State())
	dev.AssertExpectations(t)
}

func TestTimerDrainsAgedRecords(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", 500*time.Millisecond).Return()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'), frameAt(100, 'b'))
	assert.Equal(t, StateReceiving, s.State())

	s.OnTimer(dev, base.Add(550*time.Millisecond))
	assert.Equal(t, []byte("a"), w.tags())
	assert.Equal(t, 1, s.Status().Queuing)

	s.OnTimer(dev, base.Add(700*time.Millisecond))
	assert.Equal(t, []byte("ab"), w.tags())
	assert.Equal(t, 0, s.Status().Queuing)

	// once from OnLinkReady, once per timer
	dev.AssertNumberOfCalls(t, "TimerRunAfter", 3)
}

func drainSeconds(t *testing.T, kind string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.DrainDurationSeconds.WithLabelValues(kind).(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleSum()
}

func TestDrainDurationUsesSessionClock(t *testing.T) {
	l, _ := test.NewNullLogger()
	var mu sync.Mutex
	clock := base
	s := New(&memWriter{}, Options{
		Logger: log.FromLogrus(l),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(3 * time.Millisecond)
			return clock
		},
	})

	before := drainSeconds(t, metrics.DrainForced)
	_, err := s.Flush()
	require.NoError(t, err)
	assert.InDelta(t, 0.003, drainSeconds(t, metrics.DrainForced)-before, 1e-9)
}

func TestRecordsWrittenInTimestampOrder(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", mock.Anything).Return()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'), frameAt(30, 'd'), frameAt(10, 'b'))
	recv(s, dev, frameAt(20, 'c'))

	n, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), w.tags())
	assert.Equal(t, 1, w.syncs)
}

func TestLinkDownDrainsEverything(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", mock.Anything).Return()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'), frameAt(5, 'b'))

	s.OnStateChanged(dev, device.StateChange{Before: device.StateOpening, After: device.StateLinkReady})
	assert.Empty(t, w.tags())

	s.OnStateChanged(dev, device.StateChange{Before: device.StateLinkReady, After: device.StateLinkBroken})
	assert.Equal(t, []byte("ab"), w.tags())
}

func TestStatus(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", mock.Anything).Return()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'), frameAt(1000, 'b'))
	s.Drain(base.Add(time.Second))

	st := s.Status()
	assert.Equal(t, uint64(2), st.PcapCount)
	assert.Equal(t, uint64(1), st.RxEvCount)
	assert.Equal(t, 1, st.Queuing)
	assert.Equal(t, uint64(base.Add(time.Second).UnixNano()), st.PkLastRx)
	assert.Equal(t, uint64(base.UnixNano()), st.PkLastApp)
	assert.Equal(t,
		"|PcapCount=2|RxEvCount=1|Queuing=1|PkLastRx=20240501080001.000000|PkLastApp=20240501080000.000000",
		st.String())
}

func TestAppendFailureIsFatalOnce(t *testing.T) {
	dev := &MockDevice{}
	dev.On("TimerRunAfter", mock.Anything).Return()

	boom := errors.New("no space left on device")
	var fatals []error
	w := &memWriter{err: boom}
	s := newTestSession(t, w, Options{OnFatal: func(err error) { fatals = append(fatals, err) }})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'))
	s.Flush()
	recv(s, dev, frameAt(1, 'b'))
	s.Flush()

	assert.True(t, s.Failed())
	require.Len(t, fatals, 1)
	assert.ErrorIs(t, fatals[0], boom)
}

func TestCloseDrainsDisposesAndCloses(t *testing.T) {
	dev := &MockDevice{done: make(chan struct{})}
	dev.On("TimerRunAfter", mock.Anything).Return()
	dev.On("Dispose", "quit").Run(func(mock.Arguments) { close(dev.done) }).Return().Once()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})
	s.OnLinkReady(dev)
	recv(s, dev, frameAt(0, 'a'))

	require.NoError(t, s.Close(context.Background(), dev))
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []byte("a"), w.tags())
	assert.True(t, w.closed)
	dev.AssertExpectations(t)

	// Data arriving after close is ignored.
	recv(s, dev, frameAt(1, 'b'))
	assert.Equal(t, uint64(1), s.Status().PcapCount)
}

func TestCloseGivesUpWaitingForDevice(t *testing.T) {
	dev := &MockDevice{done: make(chan struct{})}
	dev.On("Dispose", "quit").Return()

	w := &memWriter{}
	s := newTestSession(t, w, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx, dev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, w.closed)
	assert.Equal(t, StateTerminated, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Receiving", StateReceiving.String())
	assert.Equal(t, "Unknown", State(42).String())
}

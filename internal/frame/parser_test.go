package frame

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/device"
	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/tick"
)

type collector struct {
	records []*core.Record
}

func (c *collector) Insert(rec *core.Record) {
	c.records = append(c.records, rec)
}

var anchorWall = time.Unix(1700000000, 0)

func newTestParser(t *testing.T, checkLost bool) (*Parser, *collector, *core.Counters, *test.Hook) {
	t.Helper()
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.TraceLevel)
	out := &collector{}
	counters := &core.Counters{}
	p := NewParser(&tick.Anchor{}, counters, out, Options{
		CheckLost: checkLost,
		Now:       func() time.Time { return anchorWall },
		Logger:    log.FromLogrus(l),
	})
	return p, out, counters, hook
}

func payload(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}
	// EtherType IPv4
	if size >= 14 {
		b[12], b[13] = 0x08, 0x00
	}
	return b
}

func frameBytes(tts uint64, seq uint16, size int) []byte {
	return AppendFrame(nil, Header{TTS: tts, PkBytes: uint32(size), Seq: seq}, payload(size, byte(seq)))
}

func queueOf(chunks ...[]byte) *device.RecvQueue {
	q := device.NewRecvQueue(4096)
	for _, c := range chunks {
		q.Append(c)
	}
	return q
}

func TestDecodeHeader(t *testing.T) {
	raw := AppendFrame(nil, Header{TTS: 0x0102030405060708, PkBytes: 60, PkBadCount: 2, Seq: 0xBEEF}, nil)
	require.Len(t, raw, HeaderSize)
	h := DecodeHeader(raw)
	assert.Equal(t, uint64(0x0102030405060708), h.TTS)
	assert.Equal(t, uint32(60), h.PkBytes)
	assert.Equal(t, uint16(2), h.PkBadCount)
	assert.Equal(t, uint16(0xBEEF), h.Seq)
	assert.Equal(t, byte(0x08), raw[0])
}

func TestHeaderValid(t *testing.T) {
	assert.False(t, Header{PkBytes: 59}.Valid())
	assert.True(t, Header{PkBytes: 60}.Valid())
	assert.True(t, Header{PkBytes: 2047}.Valid())
	assert.False(t, Header{PkBytes: 2048}.Valid())
}

func TestFeedAcceptsCompleteFrames(t *testing.T) {
	p, out, counters, _ := newTestParser(t, false)
	q := queueOf(frameBytes(1000, 0, 60), frameBytes(1010, 1, 100))

	n := p.Feed(q)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, q.Len())
	require.Len(t, out.records, 2)

	first := out.records[0]
	assert.Equal(t, core.KeyFromTime(anchorWall), first.Key)
	assert.Equal(t, uint32(60), first.CapLen)
	assert.Equal(t, uint32(60), first.OrigLen)
	assert.Len(t, first.Data, 60)

	// 10 ticks at 6.4ns each
	second := out.records[1]
	assert.Equal(t, uint64(anchorWall.UnixNano())+64, second.Key.UnixNano())
	assert.Equal(t, payload(100, 1), second.Data)

	assert.Equal(t, uint64(2), counters.Accepted.Load())
	assert.Equal(t, uint64(1), counters.RxEvents.Load())
	assert.Equal(t, second.Key.UnixNano(), counters.LastRxNs.Load())
}

func TestFeedKeepsPartialFrame(t *testing.T) {
	p, out, _, _ := newTestParser(t, false)
	full := frameBytes(1000, 0, 80)

	q := queueOf(full[:10])
	assert.Equal(t, 0, p.Feed(q))
	assert.Equal(t, 10, q.Len())

	q.Append(full[10:50])
	assert.Equal(t, 0, p.Feed(q))
	assert.Equal(t, 50, q.Len())
	assert.Empty(t, out.records)

	q.Append(full[50:])
	assert.Equal(t, 1, p.Feed(q))
	assert.Equal(t, 0, q.Len())
	require.Len(t, out.records, 1)
	assert.Equal(t, payload(80, 0), out.records[0].Data)
}

func TestFeedRejectsBadSize(t *testing.T) {
	p, out, _, hook := newTestParser(t, false)
	bad := AppendFrame(nil, Header{TTS: 999, PkBytes: 59}, payload(59, 0xAA))
	q := queueOf(bad, frameBytes(1000, 1, 60))

	assert.Equal(t, 1, p.Feed(q))
	require.Len(t, out.records, 1)
	assert.Equal(t, uint32(60), out.records[0].CapLen)

	var entry *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, "Bad pk size=59", entry.Message)
	assert.Contains(t, entry.Data, "Hdr")
	assert.Contains(t, entry.Data, "RxSize")
	assert.NotContains(t, entry.Data, "At.PkTime")
}

func TestFeedRejectsOversize(t *testing.T) {
	p, out, _, _ := newTestParser(t, false)
	q := queueOf(AppendFrame(nil, Header{TTS: 1, PkBytes: 2048}, make([]byte, 2048)))

	assert.Equal(t, 0, p.Feed(q))
	assert.Empty(t, out.records)
	assert.Equal(t, 0, q.Len())
}

func TestFeedBadSizeDiscardIsClamped(t *testing.T) {
	p, _, _, _ := newTestParser(t, false)
	// Declares 5000 payload bytes but only the header arrived.
	q := queueOf(AppendFrame(nil, Header{TTS: 1, PkBytes: 5000}, nil))

	assert.Equal(t, 0, p.Feed(q))
	assert.Equal(t, 0, q.Len())
}

func TestFeedDropsStaleFrames(t *testing.T) {
	p, out, counters, _ := newTestParser(t, false)
	q := queueOf(frameBytes(1000, 0, 60), frameBytes(500, 1, 60), frameBytes(1000, 2, 60))

	assert.Equal(t, 2, p.Feed(q))
	assert.Equal(t, 0, q.Len())
	require.Len(t, out.records, 2)
	assert.Equal(t, out.records[0].Key, out.records[1].Key)
	assert.Equal(t, uint64(2), counters.Accepted.Load())
}

func TestFeedAnchorsOnce(t *testing.T) {
	l, _ := test.NewNullLogger()
	anchor := &tick.Anchor{}
	now := anchorWall
	p := NewParser(anchor, &core.Counters{}, &collector{}, Options{
		Now:    func() time.Time { return now },
		Logger: log.FromLogrus(l),
	})

	p.Feed(queueOf(frameBytes(1000, 0, 60)))
	now = anchorWall.Add(time.Hour)
	p.Feed(queueOf(frameBytes(2000, 1, 60)))

	assert.Equal(t, uint64(1000), anchor.Tick())
	assert.Equal(t, uint64(anchorWall.UnixNano()), anchor.WallNs())
}

func TestFeedSequenceLoss(t *testing.T) {
	p, _, _, hook := newTestParser(t, true)
	p.SetSeqNext(5)
	q := queueOf(frameBytes(1000, 5, 60), frameBytes(1010, 8, 60))

	assert.Equal(t, 2, p.Feed(q))
	assert.Equal(t, uint16(9), p.SeqNext())

	var lost *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Pk Lost" {
			lost = e
		}
	}
	require.NotNil(t, lost)
	assert.Equal(t, uint16(7), lost.Data["Lost"])
	assert.Equal(t, uint16(2), lost.Data["Count"])
	assert.Equal(t, uint16(6), lost.Data["From"])
	assert.Contains(t, lost.Data, "PkTime")
}

func TestFeedSequenceAfterAnchor(t *testing.T) {
	p, _, _, hook := newTestParser(t, true)
	require.Equal(t, 1, p.Feed(queueOf(frameBytes(1000, 0, 60))))
	hook.Reset()

	p.SetSeqNext(5)
	require.Equal(t, 1, p.Feed(queueOf(frameBytes(1010, 8, 60))))
	assert.Equal(t, uint16(9), p.SeqNext())
	lost := hook.LastEntry()
	require.NotNil(t, lost)
	assert.Equal(t, "Pk Lost", lost.Message)
	assert.Equal(t, logrus.DebugLevel, lost.Level)
	assert.Equal(t, uint16(3), lost.Data["Count"])
	assert.Equal(t, uint16(7), lost.Data["Lost"])
	assert.Equal(t, uint16(5), lost.Data["From"])

	p.SetSeqNext(5)
	require.Equal(t, 1, p.Feed(queueOf(frameBytes(1020, 3, 60))))
	assert.Equal(t, uint16(5), p.SeqNext())
	ooo := hook.LastEntry()
	require.NotNil(t, ooo)
	assert.Equal(t, "Pk out of order", ooo.Message)
	assert.Equal(t, logrus.DebugLevel, ooo.Level)
	assert.Equal(t, uint16(5), ooo.Data["Expected"])
	assert.Equal(t, uint16(3), ooo.Data["Curr"])
}

func TestFeedSplitFrameCheckedOnce(t *testing.T) {
	p, out, _, hook := newTestParser(t, true)
	p.SetSeqNext(5)
	raw := frameBytes(1000, 5, 60)
	q := queueOf(raw[:30])

	assert.Equal(t, 0, p.Feed(q))
	assert.Equal(t, uint16(6), p.SeqNext())
	q.Append(raw[30:])
	assert.Equal(t, 1, p.Feed(q))
	assert.Equal(t, uint16(6), p.SeqNext())
	require.Len(t, out.records, 1)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, "Pk out of order", e.Message)
	}
}

func TestFeedSequenceGapBeforeAnchorIsSilent(t *testing.T) {
	p, _, _, hook := newTestParser(t, true)
	p.SetSeqNext(5)

	assert.Equal(t, 1, p.Feed(queueOf(frameBytes(1000, 8, 60))))
	assert.Equal(t, uint16(9), p.SeqNext())
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, "Pk Lost", e.Message)
	}
}

func TestFeedSequenceOutOfOrder(t *testing.T) {
	p, _, _, hook := newTestParser(t, true)
	p.SetSeqNext(5)
	q := queueOf(frameBytes(1000, 5, 60), frameBytes(1010, 3, 60))

	assert.Equal(t, 2, p.Feed(q))
	assert.Equal(t, uint16(6), p.SeqNext())

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "Pk out of order", last.Message)
	assert.Equal(t, uint16(6), last.Data["Expected"])
	assert.Equal(t, uint16(3), last.Data["Curr"])
}

func TestFeedWithoutCheckLostIgnoresSequence(t *testing.T) {
	p, _, _, hook := newTestParser(t, false)
	p.Feed(queueOf(frameBytes(1000, 5, 60), frameBytes(1010, 100, 60)))

	assert.Equal(t, uint16(0), p.SeqNext())
	for _, e := range hook.AllEntries() {
		assert.Less(t, e.Level, logrus.DebugLevel)
	}
}

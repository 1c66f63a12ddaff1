package frame

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/log"
	"firestige.xyz/pcap4mcast/internal/metrics"
	"firestige.xyz/pcap4mcast/internal/tick"
)

// Queue is the peekable byte stream a Parser consumes.
type Queue interface {
	Len() int
	Peek(n int) []byte
	Discard(n int) int
	Read(p []byte) int
}

// Inserter takes ownership of accepted records.
type Inserter interface {
	Insert(rec *core.Record)
}

type Options struct {
	CheckLost bool             // compare Seq against the expected next value
	Now       func() time.Time // wallclock used for the anchor; default time.Now
	Logger    log.Logger       // default log.GetLogger()
}

// Parser turns the byte stream of one session into capture records.
// Feed must not be called concurrently.
type Parser struct {
	anchor   *tick.Anchor
	counters *core.Counters
	out      Inserter
	logger   log.Logger
	now      func() time.Time

	checkLost bool
	seqNext   uint16
	seqSeen   bool // the queued partial frame was already sequence checked

	eth     layers.Ethernet
	decoder *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser(anchor *tick.Anchor, counters *core.Counters, out Inserter, opts Options) *Parser {
	p := &Parser{
		anchor:    anchor,
		counters:  counters,
		out:       out,
		logger:    opts.Logger,
		now:       opts.Now,
		checkLost: opts.CheckLost,
		decoded:   make([]gopacket.LayerType, 0, 1),
	}
	if p.logger == nil {
		p.logger = log.GetLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.decoder = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth)
	p.decoder.IgnoreUnsupported = true
	return p
}

// SeqNext returns the sequence number expected next.
func (p *Parser) SeqNext() uint16 {
	return p.seqNext
}

// SetSeqNext overrides the expected sequence number.
func (p *Parser) SetSeqNext(seq uint16) {
	p.seqNext = seq
}

// Feed handles one receive event: it consumes every complete frame in q and
// leaves a trailing partial frame queued. It returns the number of records
// handed to the Inserter.
func (p *Parser) Feed(q Queue) int {
	p.counters.RxEvents.Inc()
	metrics.RxEventsTotal.Inc()

	accepted := 0
	for {
		raw := q.Peek(HeaderSize)
		if raw == nil {
			return accepted
		}
		hdr := DecodeHeader(raw)
		if p.checkLost && !p.seqSeen {
			p.checkSeq(hdr)
		}
		p.seqSeen = false
		if !hdr.Valid() {
			// The declared length is trusted to skip the bad frame; a corrupted
			// length field therefore desynchronises what follows.
			p.reportBadFrame(raw, hdr, q.Len())
			q.Discard(hdr.FrameSize())
			metrics.FramesTotal.WithLabelValues("bad_size").Inc()
			continue
		}
		if q.Len() < hdr.FrameSize() {
			p.seqSeen = true
			return accepted
		}
		q.Discard(HeaderSize)

		if p.anchor.Set(hdr.TTS, uint64(p.now().UnixNano())) {
			p.logger.WithFields(log.Fields{
				"tick":      hdr.TTS,
				"wallclock": core.KeyFromNanos(p.anchor.WallNs()).String(),
			}).Info("session anchored at first frame")
		} else if hdr.TTS < p.anchor.Tick() {
			q.Discard(int(hdr.PkBytes))
			metrics.FramesTotal.WithLabelValues("stale").Inc()
			continue
		}

		ns, _ := p.anchor.Reconstruct(hdr.TTS)
		rec := core.NewRecord(ns, int(hdr.PkBytes))
		q.Read(rec.Data)
		p.classify(rec.Data)

		p.counters.LastRxNs.Store(ns)
		p.out.Insert(rec)
		p.counters.Accepted.Inc()
		metrics.FramesTotal.WithLabelValues("accepted").Inc()
		accepted++
	}
}

// checkSeq is a diagnostic aid: 16-bit wrap-around is not handled.
func (p *Parser) checkSeq(hdr Header) {
	switch {
	case hdr.Seq == p.seqNext:
		p.seqNext++
	case hdr.Seq > p.seqNext:
		// Gaps before the anchor exists are start-up noise.
		if p.anchor.Ready() {
			lost := hdr.Seq - p.seqNext
			fields := log.Fields{
				"Lost":  hdr.Seq - 1,
				"Count": lost,
			}
			if lost > 1 {
				fields["From"] = p.seqNext
			}
			if ns, ok := p.anchor.Reconstruct(hdr.TTS); ok {
				fields["PkTime"] = core.KeyFromNanos(ns).String()
			}
			p.logger.WithFields(fields).Debug("Pk Lost")
			metrics.SequenceEventsTotal.WithLabelValues("lost").Inc()
			metrics.SequenceLostFrames.Add(float64(lost))
		}
		p.seqNext = hdr.Seq + 1
	default:
		p.logger.WithFields(log.Fields{
			"Expected": p.seqNext,
			"Curr":     hdr.Seq,
		}).Debug("Pk out of order")
		metrics.SequenceEventsTotal.WithLabelValues("out_of_order").Inc()
	}
}

func (p *Parser) reportBadFrame(raw []byte, hdr Header, buffered int) {
	fields := log.Fields{
		"Hdr":          fmt.Sprintf("% X", raw),
		"RxSize":       buffered,
		"At.PcapCount": p.counters.Accepted.Load(),
		"At.RxEvCount": p.counters.RxEvents.Load(),
	}
	if ns, ok := p.anchor.Reconstruct(hdr.TTS); ok {
		fields["At.PkTime"] = core.KeyFromNanos(ns).String()
	}
	p.logger.WithFields(fields).Errorf("Bad pk size=%d", hdr.PkBytes)
}

func (p *Parser) classify(data []byte) {
	if err := p.decoder.DecodeLayers(data, &p.decoded); err != nil || len(p.decoded) == 0 {
		return
	}
	metrics.FramesByEtherType.WithLabelValues(p.eth.EthernetType.String()).Inc()
}

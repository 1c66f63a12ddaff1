// Package pcapfile appends capture records to a libpcap file.
package pcapfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/metrics"
)

// HeaderSize is the size of the libpcap global header.
const HeaderSize = 24

const defaultBufferSize = 64 * 1024

// Resolution is the timestamp resolution of a capture file.
type Resolution uint8

const (
	Nanosecond Resolution = iota
	Microsecond
)

func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ns", "nano", "nanosecond":
		return Nanosecond, nil
	case "us", "micro", "microsecond":
		return Microsecond, nil
	default:
		return 0, fmt.Errorf("unknown timestamp resolution: %q", s)
	}
}

func (r Resolution) String() string {
	if r == Microsecond {
		return "us"
	}
	return "ns"
}

func (r *Resolution) UnmarshalText(text []byte) error {
	v, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type Options struct {
	Resolution Resolution // used only when a new header is written
	SnapLen    uint32     // default core.MaxPacketSize
	BufferSize int        // userspace write buffer, default 64KiB
}

// Writer appends records to a capture file. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	pw      *pcapgo.Writer
	res     Resolution
	created bool
	closed  bool

	lastAppNs atomic.Uint64
}

// Open opens path according to mode. An empty file gets a fresh global
// header; a non-empty one must already hold an Ethernet capture, whose
// timestamp resolution is adopted.
func Open(path string, mode FileMode, opts Options) (*Writer, error) {
	if opts.SnapLen == 0 {
		opts.SnapLen = core.MaxPacketSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if mode.Has(ModeCreatePath) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrFileOpen, err)
		}
	}
	f, err := os.OpenFile(path, mode.flags(), 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrFileOpen, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrFileSize, err)
	}

	w := &Writer{path: path, file: f, res: opts.Resolution}
	if st.Size() == 0 {
		if err := newPcapWriter(f, w.res).WriteFileHeader(opts.SnapLen, layers.LinkTypeEthernet); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %w", core.ErrFileHeader, err)
		}
		w.created = true
	} else {
		res, err := readHeader(path)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.res = res
	}
	w.buf = bufio.NewWriterSize(f, opts.BufferSize)
	w.pw = newPcapWriter(w.buf, w.res)
	return w, nil
}

func newPcapWriter(f io.Writer, res Resolution) *pcapgo.Writer {
	if res == Microsecond {
		return pcapgo.NewWriter(f)
	}
	return pcapgo.NewWriterNanos(f)
}

func readHeader(path string) (Resolution, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrFileHeader, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", core.ErrFileHeader, err)
	}
	if lt := r.LinkType(); lt != layers.LinkTypeEthernet {
		return 0, fmt.Errorf("%w: %s", core.ErrLinkType, lt)
	}
	if r.Resolution() == gopacket.TimestampResolutionMicrosecond {
		return Microsecond, nil
	}
	return Nanosecond, nil
}

// Append writes one record header followed by exactly CapLen payload bytes.
func (w *Writer) Append(rec *core.Record) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     rec.Time(),
		CaptureLength: int(rec.CapLen),
		Length:        int(rec.OrigLen),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return core.ErrWriterClosed
	}
	if err := w.pw.WritePacket(ci, rec.Data[:rec.CapLen]); err != nil {
		return fmt.Errorf("%w: %w", core.ErrFileAppend, err)
	}
	w.lastAppNs.Store(rec.UnixNano())
	metrics.BytesWrittenTotal.Add(float64(rec.CapLen))
	return nil
}

// Sync flushes buffered records and commits the file to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return core.ErrWriterClosed
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close syncs and closes the file. Further calls return ErrWriterClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return core.ErrWriterClosed
	}
	w.closed = true
	return multierr.Combine(w.buf.Flush(), w.file.Sync(), w.file.Close())
}

// LastAppended returns the timestamp of the last appended record in
// nanoseconds.
func (w *Writer) LastAppended() uint64 {
	return w.lastAppNs.Load()
}

// Resolution returns the timestamp resolution records are written with.
func (w *Writer) Resolution() Resolution {
	return w.res
}

// Created reports whether Open wrote a fresh global header.
func (w *Writer) Created() bool {
	return w.created
}

func (w *Writer) Path() string {
	return w.path
}

// Package core defines the capture record shared by the parser, the reorder
// buffer and the capture file writer.
package core

import (
	"time"

	"go.uber.org/atomic"
)

const (
	// MinPacketSize is the smallest payload a valid frame may declare.
	MinPacketSize = 60
	// MaxPacketSize is the exclusive upper bound of a frame payload, and the
	// snapshot length written to the capture file header.
	MaxPacketSize = 2048

	nanosPerSecond = uint64(time.Second)
)

// Key orders capture records. Nsec always holds nanoseconds; the file writer
// converts it to the resolution declared by the file header.
type Key struct {
	Sec  uint32
	Nsec uint32
}

// KeyFromNanos splits an absolute UTC nanosecond timestamp.
func KeyFromNanos(ns uint64) Key {
	return Key{
		Sec:  uint32(ns / nanosPerSecond),
		Nsec: uint32(ns % nanosPerSecond),
	}
}

// KeyFromTime truncates t to a record key. Times before the epoch map to zero.
func KeyFromTime(t time.Time) Key {
	ns := t.UnixNano()
	if ns < 0 {
		return Key{}
	}
	return KeyFromNanos(uint64(ns))
}

// Less compares (Sec, Nsec) lexicographically.
func (k Key) Less(o Key) bool {
	if k.Sec == o.Sec {
		return k.Nsec < o.Nsec
	}
	return k.Sec < o.Sec
}

// UnixNano returns the key as nanoseconds since the epoch.
func (k Key) UnixNano() uint64 {
	return uint64(k.Sec)*nanosPerSecond + uint64(k.Nsec)
}

// String formats the key as UTC yyyymmddHHMMSS.uuuuuu.
func (k Key) String() string {
	return k.Time().Format("20060102150405.000000")
}

// Time returns the key as a UTC time.
func (k Key) Time() time.Time {
	return time.Unix(int64(k.Sec), int64(k.Nsec)).UTC()
}

// Record is one accepted frame waiting to be persisted.
type Record struct {
	Key
	CapLen  uint32
	OrigLen uint32
	Data    []byte // len(Data) == CapLen
}

// NewRecord allocates a record stamped at ns with room for size payload bytes.
func NewRecord(ns uint64, size int) *Record {
	return &Record{
		Key:     KeyFromNanos(ns),
		CapLen:  uint32(size),
		OrigLen: uint32(size),
		Data:    make([]byte, size),
	}
}

// Counters holds the running statistics of one capture session.
type Counters struct {
	Accepted  atomic.Uint64 // records handed to the reorder buffer
	RxEvents  atomic.Uint64 // receive events delivered by the device
	LastRxNs  atomic.Uint64 // timestamp of the last accepted record
	LastAppNs atomic.Uint64 // timestamp of the last record written to file
}

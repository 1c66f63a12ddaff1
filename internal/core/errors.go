// Package core defines sentinel errors.
package core

import "errors"

var (
	// Capture file errors
	ErrFileOpen     = errors.New("pcap4mcast: open capture file failed")
	ErrFileSize     = errors.New("pcap4mcast: get capture file size failed")
	ErrFileHeader   = errors.New("pcap4mcast: capture file header failed")
	ErrFileMode     = errors.New("pcap4mcast: invalid file mode")
	ErrLinkType     = errors.New("pcap4mcast: unsupported link type")
	ErrFileAppend   = errors.New("pcap4mcast: append capture record failed")
	ErrWriterClosed = errors.New("pcap4mcast: capture writer closed")

	// Device errors
	ErrDeviceConfig = errors.New("pcap4mcast: invalid device config")
	ErrDeviceStart  = errors.New("pcap4mcast: device start failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("pcap4mcast: invalid configuration")
)

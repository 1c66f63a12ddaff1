package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"firestige.xyz/pcap4mcast/internal/core"
)

// DefaultRecvBufferSize is the datagram read buffer used when the config
// does not specify one.
const DefaultRecvBufferSize = 64 * 1024

// Config describes the UDP endpoint to receive from.
//
// It is parsed from the command line device string, a list of Key=Value
// pairs separated by '|', for example "Group=225.6.6.6|Bind=22566".
type Config struct {
	Group     net.IP // multicast group to join; nil for plain unicast
	BindHost  string
	BindPort  int
	Interface string // interface used for the group join; empty = system default
	RecvBuf   int    // socket receive buffer in bytes; 0 = system default
}

// ParseConfig parses a device config string.
func ParseConfig(s string) (Config, error) {
	var cfg Config
	for _, item := range strings.Split(s, "|") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return Config{}, fmt.Errorf("%w: %q is not Key=Value", core.ErrDeviceConfig, item)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "group":
			ip := net.ParseIP(value)
			if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
				return Config{}, fmt.Errorf("%w: Group=%s is not an IPv4 multicast address", core.ErrDeviceConfig, value)
			}
			cfg.Group = ip.To4()
		case "bind":
			host, port, err := splitBind(value)
			if err != nil {
				return Config{}, fmt.Errorf("%w: Bind=%s: %v", core.ErrDeviceConfig, value, err)
			}
			cfg.BindHost, cfg.BindPort = host, port
		case "interface", "if":
			cfg.Interface = value
		case "recvbuf":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return Config{}, fmt.Errorf("%w: RecvBuf=%s", core.ErrDeviceConfig, value)
			}
			cfg.RecvBuf = n
		default:
			return Config{}, fmt.Errorf("%w: unknown key %q", core.ErrDeviceConfig, key)
		}
	}
	if cfg.BindPort == 0 && cfg.Group != nil {
		return Config{}, fmt.Errorf("%w: Bind port is required to join a group", core.ErrDeviceConfig)
	}
	return cfg, nil
}

// splitBind accepts "port", ":port" or "host:port".
func splitBind(v string) (string, int, error) {
	host, portStr := "", v
	if strings.Contains(v, ":") {
		var err error
		if host, portStr, err = net.SplitHostPort(v); err != nil {
			return "", 0, err
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// BindAddr returns the local address to listen on.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

func (c Config) String() string {
	var parts []string
	if c.Group != nil {
		parts = append(parts, "Group="+c.Group.String())
	}
	parts = append(parts, "Bind="+c.BindAddr())
	if c.Interface != "" {
		parts = append(parts, "Interface="+c.Interface)
	}
	if c.RecvBuf > 0 {
		parts = append(parts, "RecvBuf="+strconv.Itoa(c.RecvBuf))
	}
	return strings.Join(parts, "|")
}

package device

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"

	"firestige.xyz/pcap4mcast/internal/core"
	"firestige.xyz/pcap4mcast/internal/log"
)

// maxDatagram is the largest UDP payload a read can return.
const maxDatagram = 65535

// Multicast is a UDP datagram device that optionally joins an IPv4
// multicast group. Every datagram is appended to one RecvQueue, so frames
// split across datagrams are reassembled by the handler.
type Multicast struct {
	cfg     Config
	handler Handler
	logger  log.Logger

	mu       sync.Mutex
	conn     net.PacketConn
	pc       *ipv4.PacketConn
	timer    *time.Timer
	disposed bool

	state atomic.Int32
	hint  int
	wg    conc.WaitGroup
	done  chan struct{}
}

// NewMulticast creates a device that reports to h. Call Open to start it.
func NewMulticast(cfg Config, h Handler) *Multicast {
	return &Multicast{
		cfg:     cfg,
		handler: h,
		logger:  log.GetLogger().WithField("device", cfg.String()),
		done:    make(chan struct{}),
	}
}

// Open binds the socket, joins the group and starts the receive loop.
func (m *Multicast) Open() error {
	m.setState(StateOpening, "open")

	conn, err := net.ListenPacket("udp4", m.cfg.BindAddr())
	if err != nil {
		m.setState(StateLinkBroken, err.Error())
		return fmt.Errorf("%w: listen %s: %w", core.ErrDeviceStart, m.cfg.BindAddr(), err)
	}
	if m.cfg.RecvBuf > 0 {
		if uc, ok := conn.(*net.UDPConn); ok {
			if err := uc.SetReadBuffer(m.cfg.RecvBuf); err != nil {
				m.logger.WithError(err).Warn("set receive buffer failed")
			}
		}
	}

	pc := ipv4.NewPacketConn(conn)
	if m.cfg.Group != nil {
		if err := m.join(pc); err != nil {
			conn.Close()
			m.setState(StateLinkBroken, err.Error())
			return fmt.Errorf("%w: join %s: %w", core.ErrDeviceStart, m.cfg.Group, err)
		}
	}

	m.mu.Lock()
	m.conn, m.pc = conn, pc
	m.mu.Unlock()

	m.setState(StateLinkReady, "")
	m.hint = m.handler.OnLinkReady(m)
	m.logger.WithField("local", conn.LocalAddr().String()).Info("device link ready")

	m.wg.Go(m.recvLoop)
	return nil
}

func (m *Multicast) join(pc *ipv4.PacketConn) error {
	var ifi *net.Interface
	if m.cfg.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(m.cfg.Interface); err != nil {
			return err
		}
	}
	return pc.JoinGroup(ifi, &net.UDPAddr{IP: m.cfg.Group})
}

func (m *Multicast) recvLoop() {
	buf := make([]byte, maxDatagram)
	q := NewRecvQueue(max(m.hint*2, core.MaxPacketSize))
	for {
		n, _, _, err := m.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || m.State() >= StateDisposing {
				return
			}
			m.logger.WithError(err).Warn("device receive failed")
			continue
		}
		if n == 0 {
			continue
		}
		q.Append(buf[:n])
		m.handler.OnRecv(m, q)
	}
}

// TimerRunAfter implements Device.
func (m *Multicast) TimerRunAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, m.fireTimer)
}

func (m *Multicast) fireTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.wg.Go(func() {
		m.handler.OnTimer(m, time.Now())
	})
}

// State implements Device.
func (m *Multicast) State() State {
	return State(m.state.Load())
}

// LocalAddr returns the bound address, or nil before Open succeeds.
func (m *Multicast) LocalAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.conn.LocalAddr()
}

// Dispose stops the device asynchronously. Done is closed once the receive
// loop and every in-flight timer callback have returned.
func (m *Multicast) Dispose(cause string) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	conn := m.conn
	m.mu.Unlock()

	m.setState(StateDisposing, cause)
	go func() {
		if conn != nil {
			if err := conn.Close(); err != nil {
				m.logger.WithError(err).Warn("device close failed")
			}
		}
		if r := m.wg.WaitAndRecover(); r != nil {
			m.logger.WithError(r.AsError()).Error("device callback panicked")
		}
		m.setState(StateDisposed, cause)
		close(m.done)
	}()
}

// Done is closed when Dispose has completed.
func (m *Multicast) Done() <-chan struct{} {
	return m.done
}

func (m *Multicast) setState(after State, cause string) {
	before := State(m.state.Swap(int32(after)))
	if before == after {
		return
	}
	m.logger.WithFields(log.Fields{"before": before, "after": after, "cause": cause}).Debug("device state changed")
	m.handler.OnStateChanged(m, StateChange{Before: before, After: after, Cause: cause})
}

// Package link implements the ICMP framer: the bottom layer of icmptun.
// It encapsulates opaque payloads inside ICMP Echo Request packets on a
// raw IPv4 socket, tagging each outbound frame with the local endpoint's
// id so a peer can distinguish tunnel traffic from ambient ICMP noise and
// from its own reflected packets.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"github.com/icmptun/icmptun/internal/metrics"
)

// -------------------------------------------------------------------------
// Wire layout
// -------------------------------------------------------------------------

const (
	// HeaderLen is the size of the link-layer header: type(1) + id(1) +
	// checksum(2).
	HeaderLen = 4

	// ipHeaderLen is the IPv4 header length the kernel prepends to every
	// datagram read from a raw "ip4" socket, regardless of IP_HDRINCL.
	ipHeaderLen = 20

	// scratchLen is large enough for the IP header plus the maximum ODP
	// payload (1480 bytes of ICMP payload per spec, plus slack).
	scratchLen = 4096

	// TypeEchoRequest is the ICMP type used in both directions (spec's
	// resolved design note: using type 8 both ways is the simplest choice
	// and matches what the original client/server actually send).
	TypeEchoRequest byte = 8
)

// Sentinel errors.
var (
	// ErrTransport tags failures from the underlying raw socket.
	ErrTransport = errors.New("link: transport error")

	// ErrInvalidID indicates a zero endpoint id was supplied; zero is
	// reserved to mean "no signature, ordinary ICMP traffic".
	ErrInvalidID = errors.New("link: endpoint id must be non-zero")
)

// Conn is the subset of net.PacketConn the Framer needs. *net.IPConn
// (as returned by net.ListenPacket("ip4:1", ...)) satisfies it, as does
// any in-memory substitute used by tests.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
}

// Framer reads and writes ICMP Echo Request packets on a raw IPv4 socket.
type Framer struct {
	conn    Conn
	id      byte
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Framer at construction time.
type Option func(*Framer)

// WithLogger overrides the Framer's structured logger. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Framer) { f.logger = logger }
}

// WithMetrics attaches a metrics collector. A nil collector (the default)
// makes every instrumentation call a no-op.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Framer) { f.metrics = c }
}

// New opens a raw IPv4 socket for ICMP and returns a Framer tagging
// outbound frames with id. Opening the socket requires CAP_NET_RAW; the
// host is expected to drop privileges immediately after this call
// succeeds.
func New(id byte, opts ...Option) (*Framer, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}

	conn, err := net.ListenPacket("ip4:1", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("link: open raw icmp socket: %w: %w", ErrTransport, err)
	}

	return NewFromConn(conn, id, opts...)
}

// NewFromConn builds a Framer around an already-open Conn. It exists so
// tests can substitute an in-memory Conn in place of a real raw socket.
func NewFromConn(conn Conn, id byte, opts ...Option) (*Framer, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}

	f := &Framer{
		conn:   conn,
		id:     id,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

// Send builds a link frame (type, id, checksum, payload) and writes it to
// peer. It returns the number of payload bytes the socket accepted, which
// is zero if the write failed to reach even the header.
func (f *Framer) Send(payload []byte, peer netip.Addr) (int, error) {
	frame := make([]byte, HeaderLen+len(payload))
	frame[0] = TypeEchoRequest
	frame[1] = f.id
	copy(frame[HeaderLen:], payload)

	sum := checksum(frame)
	frame[2] = byte(sum)
	frame[3] = byte(sum >> 8)

	addr := &net.IPAddr{IP: peer.AsSlice()}

	n, err := f.conn.WriteTo(frame, addr)
	if err != nil {
		f.metrics.IncLinkTransportErrors()
		return 0, fmt.Errorf("link: write to %s: %w: %w", peer, ErrTransport, err)
	}

	f.metrics.IncLinkFramesSent(peer.String())
	f.logger.Debug("link: frame sent", "peer", peer, "bytes", n)

	accepted := n - HeaderLen
	if accepted < 0 {
		accepted = 0
	}
	return accepted, nil
}

// Recv reads one datagram from the raw socket and, if it is a well-formed
// tunnel frame, copies up to len(buf) bytes of its payload into buf and
// returns the true payload length (which may exceed len(buf)) and the
// source address. Foreign ICMP traffic, self-echoed packets, and short
// datagrams are silently dropped: Recv returns (0, zero-addr, nil) for
// "no message", never an error, per the link layer's filtering contract.
func (f *Framer) Recv(buf []byte) (int, netip.Addr, error) {
	scratch := make([]byte, scratchLen)

	n, addr, err := f.conn.ReadFrom(scratch)
	if err != nil {
		f.metrics.IncLinkTransportErrors()
		return 0, netip.Addr{}, fmt.Errorf("link: read: %w: %w", ErrTransport, err)
	}

	if n < ipHeaderLen+HeaderLen {
		f.metrics.IncLinkFramesDropped("short")
		return 0, netip.Addr{}, nil
	}

	icmp := scratch[ipHeaderLen:n]

	if icmp[0] != TypeEchoRequest {
		f.metrics.IncLinkFramesDropped("type")
		return 0, netip.Addr{}, nil
	}

	sig := icmp[1]
	if sig == 0 {
		f.metrics.IncLinkFramesDropped("foreign")
		return 0, netip.Addr{}, nil
	}
	if sig == f.id {
		f.metrics.IncLinkFramesDropped("self")
		return 0, netip.Addr{}, nil
	}

	src, ok := addrFromNetAddr(addr)
	if !ok {
		f.metrics.IncLinkFramesDropped("addr")
		return 0, netip.Addr{}, nil
	}

	payload := icmp[HeaderLen:]
	copy(buf, payload)

	f.metrics.IncLinkFramesAccepted(src.String())
	f.logger.Debug("link: frame accepted", "peer", src, "payload_len", len(payload))

	return len(payload), src, nil
}

// Fd returns the raw socket's file descriptor for use by a host readiness
// loop (e.g. golang.org/x/sys/unix.Poll). The Framer performs no
// scheduling of its own.
func (f *Framer) Fd() (int, error) {
	sc, ok := f.conn.(syscall.Conn)
	if !ok {
		return 0, fmt.Errorf("link: underlying conn exposes no descriptor: %w", ErrTransport)
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("link: syscall conn: %w: %w", ErrTransport, err)
	}

	var fd int
	ctrlErr := raw.Control(func(d uintptr) { fd = int(d) })
	if ctrlErr != nil {
		return 0, fmt.Errorf("link: control: %w: %w", ErrTransport, ctrlErr)
	}

	return fd, nil
}

// Close releases the underlying socket. Close is idempotent to the extent
// the underlying Conn's Close is.
func (f *Framer) Close() error {
	if err := f.conn.Close(); err != nil {
		return fmt.Errorf("link: close: %w: %w", ErrTransport, err)
	}
	return nil
}

// addrFromNetAddr converts a net.Addr returned by Conn.ReadFrom into a
// netip.Addr, as produced for raw IPv4 sockets (*net.IPAddr).
func addrFromNetAddr(addr net.Addr) (netip.Addr, bool) {
	ipAddr, ok := addr.(*net.IPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	a, ok := netip.AddrFromSlice(ipAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

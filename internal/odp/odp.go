// Package odp implements ODP ("Our Datagram Protocol"), the
// reliable-delivery layer stacked on top of a link.Framer. It provides
// sequence numbering, cumulative acknowledgement, explicit resend-request
// (AGN), and a small fixed-size sliding send window.
package odp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/icmptun/icmptun/internal/link"
	"github.com/icmptun/icmptun/internal/metrics"
)

// -------------------------------------------------------------------------
// Wire layout
// -------------------------------------------------------------------------

const (
	// HeaderLen is the size of a SND/ACK frame header: type(1) +
	// reserved(1) + seqnum(8, little-endian).
	HeaderLen = 10

	// AgnLen is the size of an AGN frame: HeaderLen plus an 8-byte `to`
	// seqnum.
	AgnLen = 18

	// PktMax is the maximum ODP frame size (ODP header + user payload);
	// the 4-byte link header is not counted.
	PktMax = 1480

	// MaxPayload is the largest user payload a single SND can carry.
	MaxPayload = PktMax - HeaderLen

	// WindowSize is the maximum number of unacknowledged SND frames
	// in flight at once.
	WindowSize = 2

	frameTypeSend byte = 'S'
	frameTypeAck  byte = 'A'
	frameTypeAgn  byte = 'G'
)

// Sentinel errors, ordered from most local to most global per the error
// taxonomy this package follows.
var (
	// ErrProtocol indicates a frame from the configured peer violated
	// ODP's structural rules (too short, unknown type, AGN with from>to).
	ErrProtocol = errors.New("odp: malformed frame from peer")

	// ErrSend indicates the link accepted fewer bytes than the ODP
	// header, meaning the frame never reached the wire intact.
	ErrSend = errors.New("odp: link accepted fewer bytes than the frame header")

	// ErrRemoteWindowFull is a soft, retryable condition: the caller must
	// back off and retry send. Never logged at error level.
	ErrRemoteWindowFull = errors.New("odp: remote window full")

	// ErrUnknown is the catch-all for invariant violations in
	// control-frame emission.
	ErrUnknown = errors.New("odp: control-frame emission invariant violated")
)

// pending is one outstanding SND frame: its assigned sequence number and
// the exact bytes handed to the link layer, retained so a resend needs no
// re-serialisation.
type pending struct {
	seq   uint64
	frame []byte
}

// Endpoint is one side of an ODP session. It holds a non-exclusive
// reference to a link.Framer plus the peer address and is mutated only by
// the goroutine driving it — no internal locking.
type Endpoint struct {
	framer *link.Framer
	peer   netip.Addr

	nextSeq uint64
	peerSeq uint64
	unacked []pending

	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithLogger overrides the Endpoint's structured logger. The default is
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = logger }
}

// WithMetrics attaches a metrics collector. A nil collector (the default)
// makes every instrumentation call a no-op.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Endpoint) { e.metrics = c }
}

// New creates an Endpoint wrapping framer, talking only to peer. Sequence
// numbers start at zero; there is no connection setup.
func New(framer *link.Framer, peer netip.Addr, opts ...Option) *Endpoint {
	e := &Endpoint{
		framer: framer,
		peer:   peer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// -------------------------------------------------------------------------
// Accessors (observability, not part of the core contract)
// -------------------------------------------------------------------------

// NextSeq returns the sequence number the next Send will assign.
func (e *Endpoint) NextSeq() uint64 { return e.nextSeq }

// PeerSeq returns the next sequence number expected from the peer.
func (e *Endpoint) PeerSeq() uint64 { return e.peerSeq }

// UnackedLen returns the number of SND frames sent but not yet
// cumulatively acknowledged.
func (e *Endpoint) UnackedLen() int { return len(e.unacked) }

// Fd returns the underlying raw socket's descriptor for a host readiness
// loop; see link.Framer.Fd.
func (e *Endpoint) Fd() (int, error) { return e.framer.Fd() }

// Close releases the underlying Framer.
func (e *Endpoint) Close() error { return e.framer.Close() }

// -------------------------------------------------------------------------
// Send
// -------------------------------------------------------------------------

// Send assigns the next sequence number to payload (truncated silently to
// MaxPayload bytes) and hands a SND frame to the link layer. It fails with
// ErrRemoteWindowFull if the send window is already full; the caller is
// expected to back off and retry.
func (e *Endpoint) Send(payload []byte) (int, error) {
	if len(e.unacked) >= WindowSize {
		e.metrics.IncODPWindowFull()
		return 0, ErrRemoteWindowFull
	}

	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}

	frame := make([]byte, HeaderLen+len(payload))
	frame[0] = frameTypeSend
	binary.LittleEndian.PutUint64(frame[2:10], e.nextSeq)
	copy(frame[HeaderLen:], payload)

	n, err := e.framer.Send(frame, e.peer)
	if err != nil {
		return 0, fmt.Errorf("odp: send seq %d: %w", e.nextSeq, err)
	}
	if n < HeaderLen {
		return 0, fmt.Errorf("odp: send seq %d: %w", e.nextSeq, ErrSend)
	}

	accepted := n - HeaderLen
	if accepted > len(payload) {
		accepted = len(payload)
	}

	e.metrics.IncODPFramesSent("send")
	e.logger.Debug("odp: snd sent", "peer", e.peer, "seq", e.nextSeq, "bytes", accepted)

	e.unacked = append(e.unacked, pending{seq: e.nextSeq, frame: frame})
	e.nextSeq++

	return accepted, nil
}

// -------------------------------------------------------------------------
// Recv
// -------------------------------------------------------------------------

// Recv reads and dispatches one frame. It returns (0, nil) for "no
// message" — no datagram was waiting, it came from someone other than the
// configured peer, or it was a control frame that delivers nothing to the
// application. A non-zero return is application payload from an in-order
// SND.
func (e *Endpoint) Recv(buf []byte) (int, error) {
	scratch := make([]byte, PktMax)

	n, src, err := e.framer.Recv(scratch)
	if err != nil {
		return 0, fmt.Errorf("odp: recv: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if src != e.peer {
		return 0, nil
	}

	if n < HeaderLen {
		e.metrics.IncODPProtocolErrors()
		return 0, fmt.Errorf("odp: frame of %d bytes shorter than header: %w", n, ErrProtocol)
	}

	frameType := scratch[0]
	seq := binary.LittleEndian.Uint64(scratch[2:10])

	switch frameType {
	case frameTypeAck:
		e.metrics.IncODPFramesReceived("ack")
		e.handleAck(seq)
		return 0, nil

	case frameTypeSend:
		e.metrics.IncODPFramesReceived("send")
		return e.handleSnd(seq, scratch[HeaderLen:n], buf)

	case frameTypeAgn:
		if n < AgnLen {
			e.metrics.IncODPProtocolErrors()
			return 0, fmt.Errorf("odp: agn frame of %d bytes shorter than %d: %w", n, AgnLen, ErrProtocol)
		}
		to := binary.LittleEndian.Uint64(scratch[10:18])
		e.metrics.IncODPFramesReceived("agn")
		if err := e.handleAgn(seq, to); err != nil {
			return 0, err
		}
		return 0, nil

	default:
		e.metrics.IncODPProtocolErrors()
		return 0, fmt.Errorf("odp: unknown frame type %q: %w", frameType, ErrProtocol)
	}
}

// handleAck applies a cumulative ACK for seq: every unacked frame with a
// sequence number at most seq is retired, and peerSeq is advanced to at
// least seq. (Besides an inbound SND, ACK and AGN frames also advance
// peerSeq from the sequence number they carry — this is the protocol's
// literal behavior, not an oversight.)
func (e *Endpoint) handleAck(seq uint64) {
	kept := e.unacked[:0]
	for _, p := range e.unacked {
		if p.seq > seq {
			kept = append(kept, p)
		}
	}
	e.unacked = kept

	if seq > e.peerSeq {
		e.peerSeq = seq
	}

	e.logger.Debug("odp: ack applied", "peer", e.peer, "ack_seq", seq, "unacked", len(e.unacked))
}

// handleSnd dispatches an inbound SND by comparing its sequence number to
// peerSeq: already-delivered, in-order, or a gap.
func (e *Endpoint) handleSnd(rcvSeq uint64, payload, buf []byte) (int, error) {
	switch {
	case rcvSeq < e.peerSeq:
		// Already delivered; assume our previous ACK was lost.
		if err := e.sendAck(e.peerSeq); err != nil {
			return 0, err
		}
		return 0, nil

	case rcvSeq == e.peerSeq:
		if err := e.sendAck(e.peerSeq); err != nil {
			return 0, err
		}
		e.peerSeq++
		n := copy(buf, payload)
		e.logger.Debug("odp: snd delivered", "peer", e.peer, "seq", rcvSeq, "bytes", n)
		return n, nil

	default:
		// rcvSeq > e.peerSeq: gap. Drop the packet, request resend.
		from, to := e.peerSeq, rcvSeq
		e.logger.Debug("odp: gap detected", "peer", e.peer, "peer_seq", from, "rcv_seq", to)
		if err := e.sendAgn(from, to); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

// handleAgn treats from as a cumulative ACK and retransmits every
// remaining unacked frame in order, ignoring to (resend-all-remaining is
// sufficient for correctness, if wasteful).
func (e *Endpoint) handleAgn(from, to uint64) error {
	if from > to {
		e.metrics.IncODPProtocolErrors()
		return fmt.Errorf("odp: agn from=%d > to=%d: %w", from, to, ErrProtocol)
	}

	kept := e.unacked[:0]
	for _, p := range e.unacked {
		if p.seq >= from {
			kept = append(kept, p)
		}
	}
	e.unacked = kept

	if from > e.peerSeq {
		e.peerSeq = from
	}

	e.logger.Debug("odp: agn applied", "peer", e.peer, "from", from, "to", to, "resending", len(e.unacked))

	for _, p := range e.unacked {
		e.metrics.IncODPRetransmissions()
		if _, err := e.framer.Send(p.frame, e.peer); err != nil {
			return fmt.Errorf("odp: retransmit seq %d: %w", p.seq, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Control-frame emission
// -------------------------------------------------------------------------

func (e *Endpoint) sendAck(seq uint64) error {
	frame := make([]byte, HeaderLen)
	frame[0] = frameTypeAck
	binary.LittleEndian.PutUint64(frame[2:10], seq)

	n, err := e.framer.Send(frame, e.peer)
	if err != nil {
		return fmt.Errorf("odp: send ack %d: %w", seq, err)
	}
	if n != HeaderLen {
		e.metrics.IncODPProtocolErrors()
		return fmt.Errorf("odp: ack %d: link accepted %d bytes, want %d: %w", seq, n, HeaderLen, ErrProtocol)
	}

	e.metrics.IncODPFramesSent("ack")
	return nil
}

func (e *Endpoint) sendAgn(from, to uint64) error {
	frame := make([]byte, AgnLen)
	frame[0] = frameTypeAgn
	binary.LittleEndian.PutUint64(frame[2:10], from)
	binary.LittleEndian.PutUint64(frame[10:18], to)

	n, err := e.framer.Send(frame, e.peer)
	if err != nil {
		return fmt.Errorf("odp: send agn(%d,%d): %w", from, to, err)
	}
	if n != AgnLen {
		e.metrics.IncODPProtocolErrors()
		return fmt.Errorf("odp: agn(%d,%d): link accepted %d bytes, want %d: %w", from, to, n, AgnLen, ErrUnknown)
	}

	e.metrics.IncODPFramesSent("agn")
	return nil
}

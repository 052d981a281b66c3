package odp_test

import (
	"encoding/binary"
	"net"
	"net/netip"
)

// wireConn is a loopback link.Conn substitute: two wireConns share a pair
// of in-memory queues so ODP tests can drive an end-to-end exchange
// without CAP_NET_RAW. Queues are plain slices, not channels, so tests can
// inspect and mutate pending datagrams directly (to simulate loss or
// reordering) between calls.
type wireConn struct {
	local netip.Addr
	peer  netip.Addr

	outbox *[][]byte // datagrams this conn has written, awaiting peer pickup
	inbox  *[][]byte // datagrams written by the peer, awaiting this conn
}

func newWirePair(a, b netip.Addr) (connA, connB *wireConn) {
	aToB := &[][]byte{}
	bToA := &[][]byte{}

	connA = &wireConn{local: a, peer: b, outbox: aToB, inbox: bToA}
	connB = &wireConn{local: b, peer: a, outbox: bToA, inbox: aToB}
	return connA, connB
}

func (c *wireConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	data := append([]byte(nil), p...)
	*c.outbox = append(*c.outbox, data)
	return len(p), nil
}

func (c *wireConn) ReadFrom(p []byte) (int, net.Addr, error) {
	if len(*c.inbox) == 0 {
		return 0, &net.IPAddr{IP: c.peer.AsSlice()}, nil
	}

	data := (*c.inbox)[0]
	*c.inbox = (*c.inbox)[1:]

	datagram := make([]byte, 20+len(data))
	copy(datagram[20:], data)
	n := copy(p, datagram)

	return n, &net.IPAddr{IP: c.peer.AsSlice()}, nil
}

func (c *wireConn) Close() error { return nil }

// Inbox exposes the queue of datagrams waiting to be read, for tests that
// need to inject or drop frames directly.
func (c *wireConn) Inbox() *[][]byte { return c.inbox }

// Outbox exposes the queue of datagrams this conn has written, for tests
// that need to inspect, drop, or reroute in-flight frames.
func (c *wireConn) Outbox() *[][]byte { return c.outbox }

// -------------------------------------------------------------------------
// Raw ODP frame builders, used to inject frames the public Endpoint API
// cannot produce directly (out-of-order seqnums, duplicate retransmits).
// -------------------------------------------------------------------------

// linkHeaderLen mirrors link.HeaderLen's layout: type(1) + id(1) +
// checksum(2).
const linkHeaderLen = 4

func rawSnd(seq uint64, payload []byte) []byte {
	frame := make([]byte, 10+len(payload))
	frame[0] = 'S'
	binary.LittleEndian.PutUint64(frame[2:10], seq)
	copy(frame[10:], payload)
	return frame
}

// rawLinkFrame wraps an ODP frame in the link-layer header (type, id,
// checksum) that link.Framer.Send normally prepends, so frames injected
// directly onto a wireConn's inbox pass link.Framer.Recv's type/signature
// filter instead of being silently dropped as foreign traffic. id is the
// signature of the peer the receiving Framer expects frames from.
func rawLinkFrame(id byte, odpFrame []byte) []byte {
	frame := make([]byte, linkHeaderLen+len(odpFrame))
	frame[0] = 8 // link.TypeEchoRequest
	frame[1] = id
	copy(frame[linkHeaderLen:], odpFrame)

	sum := internetChecksum(frame)
	frame[2] = byte(sum)
	frame[3] = byte(sum >> 8)

	return frame
}

// internetChecksum reimplements link's RFC 1071 checksum so tests can
// build well-formed link frames without reaching into link's unexported
// checksum function.
func internetChecksum(frame []byte) uint16 {
	var acc uint32
	for i, b := range frame {
		acc += uint32(b) << uint(8*(i%2))
	}
	for acc>>16 != 0 {
		acc = (acc & 0xFFFF) + (acc >> 16)
	}
	return uint16(^acc)
}

// -------------------------------------------------------------------------
// Wire-manipulation helpers
// -------------------------------------------------------------------------

// dropFirstInFlight discards the oldest datagram conn has written but its
// peer has not yet read, simulating loss of the first frame on the wire.
func dropFirstInFlight(conn *wireConn) {
	q := conn.Outbox()
	if len(*q) > 0 {
		*q = (*q)[1:]
	}
}

// dropAllInFlight discards every datagram conn has written but its peer
// has not yet read.
func dropAllInFlight(conn *wireConn) {
	*conn.Outbox() = nil
}

// peerLinkID is the signature byte these helpers stamp on injected
// frames: all injection helpers here simulate traffic arriving from A
// (framer id 1) at B, so the frame must carry A's id to pass B's
// link-layer self/foreign filter.
const peerLinkID = 1

// injectRawFrame wraps odpFrame in a well-formed link-layer frame (so it
// survives link.Framer.Recv's type/signature filter) and appends it to
// conn's read queue, as if it had just arrived from the peer.
func injectRawFrame(conn *wireConn, odpFrame []byte) {
	*conn.Inbox() = append(*conn.Inbox(), rawLinkFrame(peerLinkID, odpFrame))
}

// injectRawSnd is a convenience wrapper around injectRawFrame for SND
// frames.
func injectRawSnd(conn *wireConn, seq uint64, payload []byte) {
	injectRawFrame(conn, rawSnd(seq, payload))
}

type agnRequest struct{ from, to uint64 }

// popAgn removes and decodes the first AGN frame found in conn's write
// queue (an AGN conn emitted that nobody has serviced yet), or returns nil
// if there is none. Entries in the write queue are full link-layer
// frames (as link.Framer.Send produces), so the ODP frame starts at
// linkHeaderLen.
func popAgn(conn *wireConn) *agnRequest {
	q := conn.Outbox()
	for i, f := range *q {
		if len(f) < linkHeaderLen {
			continue
		}
		odpFrame := f[linkHeaderLen:]
		if len(odpFrame) >= 18 && odpFrame[0] == 'G' {
			req := &agnRequest{
				from: binary.LittleEndian.Uint64(odpFrame[2:10]),
				to:   binary.LittleEndian.Uint64(odpFrame[10:18]),
			}
			*q = append((*q)[:i], (*q)[i+1:]...)
			return req
		}
	}
	return nil
}

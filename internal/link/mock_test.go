package link_test

import (
	"net"
	"sync"
)

// mockConn implements link.Conn for testing without CAP_NET_RAW. Reads and
// writes are driven by injectable functions; written frames are recorded
// for assertions.
type mockConn struct {
	mu     sync.Mutex
	closed bool

	// ReadFunc is called by ReadFrom. Set to control read behavior.
	ReadFunc func(p []byte) (int, net.Addr, error)

	// Written records every frame passed to WriteTo, in order.
	Written []writtenFrame
}

type writtenFrame struct {
	Data []byte
	Addr net.Addr
}

func (m *mockConn) ReadFrom(p []byte) (int, net.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReadFunc != nil {
		return m.ReadFunc(p)
	}
	return 0, nil, nil
}

func (m *mockConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(p))
	copy(data, p)
	m.Written = append(m.Written, writtenFrame{Data: data, Addr: addr})

	return len(p), nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// ipDatagram prepends a minimal 20-byte IPv4 header (content irrelevant to
// the framer, which only skips its length) to an ICMP frame, simulating
// what the kernel hands back from a raw "ip4" socket read.
func ipDatagram(icmpFrame []byte) []byte {
	buf := make([]byte, 20+len(icmpFrame))
	copy(buf[20:], icmpFrame)
	return buf
}

package quic

import (
	"net"
	"sync"

	"github.com/quic-dev/quix/internal/protocol"
)

// A sendConn allows sending using a simple Write() on a non-connected packet conn.
type sendConn interface {
	Write(b []byte, ecn protocol.ECN) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// SetRemoteAddr switches the connection to a new peer address.
	// Used after the peer migrated to a new path.
	SetRemoteAddr(net.Addr)

	capabilities() connCapabilities
}

type sconn struct {
	rawConn

	mutex      sync.RWMutex
	remoteAddr net.Addr

	info packetInfo
	oob  []byte
}

var _ sendConn = &sconn{}

func newSendConn(c rawConn, remote net.Addr, info packetInfo) *sconn {
	// increase oob slice capacity, so we can add the ECN control message when writing
	oob := info.OOB()
	l := len(oob)
	oob = append(oob, make([]byte, 64)...)[:l]
	return &sconn{
		rawConn:    c,
		remoteAddr: remote,
		info:       info,
		oob:        oob,
	}
}

func (c *sconn) Write(p []byte, ecn protocol.ECN) error {
	c.mutex.RLock()
	addr := c.remoteAddr
	c.mutex.RUnlock()
	_, err := c.WritePacket(p, addr, c.oob, ecn)
	return err
}

func (c *sconn) SetRemoteAddr(addr net.Addr) {
	c.mutex.Lock()
	c.remoteAddr = addr
	c.mutex.Unlock()
}

func (c *sconn) RemoteAddr() net.Addr {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.remoteAddr
}

func (c *sconn) LocalAddr() net.Addr {
	addr := c.rawConn.LocalAddr()
	if c.info.addr.IsValid() {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			addrCopy := *udpAddr
			addrCopy.IP = c.info.addr.AsSlice()
			addr = &addrCopy
		}
	}
	return addr
}

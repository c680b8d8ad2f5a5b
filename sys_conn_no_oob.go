//go:build !darwin && !linux && !freebsd

package quic

func newConn(c OOBCapablePacketConn) (*basicConn, error) {
	return &basicConn{PacketConn: c}, nil
}

func (info packetInfo) OOB() []byte { return nil }

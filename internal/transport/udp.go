package transport

import (
	"fmt"
	"net"
)

// ListenUDP opens the replica's datagram socket.
func ListenUDP(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrTransportFailure, addr, err)
	}
	return conn, nil
}

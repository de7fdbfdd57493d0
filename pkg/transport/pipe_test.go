package transport

import "net"

// newPipe returns two connected in-memory net.Conn endpoints for tests
// that exercise the wire protocol without a real socket.
func newPipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

//go:build !linux

package relay

import "net"

// listenTCP falls back to net.Listen; the backlog is the platform default.
func listenTCP(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

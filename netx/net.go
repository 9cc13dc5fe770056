package netx

import (
	"net"
	"strconv"
)

// Dial opens a TCP connection with OS keepalives disabled. Mock traffic is
// short-lived and script-paced; kernel keepalive probes only add noise.
func Dial(network, address string) (net.Conn, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}

	// disable keepalive
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(false)
	}
	return conn, nil
}

type TCPListener struct {
	*net.TCPListener
}

func (l *TCPListener) Accept() (net.Conn, error) {
	conn, err := l.TCPListener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	// disable keepalive
	conn.SetKeepAlive(false)
	return conn, nil
}

// Listen binds a TCP listener on host:port. ipv6 selects the tcp6 stack;
// otherwise tcp4 is used so that an empty host means all IPv4 interfaces.
func Listen(host string, port int, ipv6 bool) (net.Listener, error) {
	network := "tcp4"
	if ipv6 {
		network = "tcp6"
	}
	listener, err := net.Listen(network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if tcpListener, ok := listener.(*net.TCPListener); ok {
		return &TCPListener{tcpListener}, nil
	}
	return listener, nil
}

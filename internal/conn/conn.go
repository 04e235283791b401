// Package conn wraps net.Conn/net.PacketConn behind the narrow
// construct/send/close surface spec.md §6 requires of the underlying
// socket primitive: the socket itself is out of scope, only these
// behaviors are.
package conn

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync/atomic"
	"time"
)

// TCP is a single peer/hub connection.
type TCP struct {
	net.Conn
	closed int32
}

// DialTCP connects out to host:port with a bounded timeout.
func DialTCP(host string, port int, timeout time.Duration) (*TCP, error) {
	c, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprint(port)), timeout)
	if err != nil {
		return nil, err
	}
	return &TCP{Conn: c}, nil
}

// Send writes b in full.
func (t *TCP) Send(b []byte) error {
	_, err := t.Write(b)
	return err
}

// Active reports whether Close has not yet been called.
func (t *TCP) Active() bool {
	return atomic.LoadInt32(&t.closed) == 0
}

// Close closes the underlying connection, idempotently.
func (t *TCP) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	return t.Conn.Close()
}

// Listener accepts inbound TCP connections for the hub-advertised port.
type Listener struct {
	ln      net.Listener
	clients int32
}

// ListenTCP binds host:port for inbound peer connections.
func ListenTCP(host string, port int) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*TCP, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&l.clients, 1)
	return &TCP{Conn: c}, nil
}

// Clients returns the number of connections Accept has returned so far.
func (l *Listener) Clients() int {
	return int(atomic.LoadInt32(&l.clients))
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// UDP is an ephemeral socket bound for one active-mode search.
type UDP struct {
	pc net.PacketConn
}

// ErrBindExhausted is returned when no port could be bound within the
// configured number of random-port retries (spec.md §7 category 3).
var ErrBindExhausted = errors.New("conn: exhausted random port retries")

// ListenUDPRandomPort binds a random non-privileged UDP port, retrying on
// bind contention since ports are drawn from the full unprivileged range
// and no backoff is needed.
func ListenUDPRandomPort(host string, retries int) (*UDP, error) {
	for i := 0; i < retries; i++ {
		port := 1024 + rand.Intn(65535-1024)
		pc, err := net.ListenPacket("udp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err == nil {
			return &UDP{pc: pc}, nil
		}
	}
	return nil, ErrBindExhausted
}

// SendTo writes a single UDP datagram to addr.
func (u *UDP) SendTo(addr net.Addr, data []byte) error {
	_, err := u.pc.WriteTo(data, addr)
	return err
}

// ReadFrom reads one datagram into buf.
func (u *UDP) ReadFrom(buf []byte) (int, net.Addr, error) {
	return u.pc.ReadFrom(buf)
}

// SetReadDeadline bounds the next ReadFrom call.
func (u *UDP) SetReadDeadline(t time.Time) error {
	return u.pc.SetReadDeadline(t)
}

// LocalPort reports the bound UDP port.
func (u *UDP) LocalPort() int {
	if a, ok := u.pc.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Close releases the socket.
func (u *UDP) Close() error { return u.pc.Close() }

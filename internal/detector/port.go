package detector

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds a single connection attempt.
const DefaultDialTimeout = time.Second

// PortDetector detects a listener by opening a short-lived TCP connection.
type PortDetector struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (d PortDetector) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Probe dials the endpoint once and closes the connection on success.
func (d PortDetector) Probe(ctx context.Context) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// Alive reports whether the endpoint accepted a connection; the dial error
// is returned alongside false.
func (d PortDetector) Alive() (bool, error) {
	if err := d.Probe(context.Background()); err != nil {
		return false, err
	}
	return true, nil
}

func (d PortDetector) Describe() string { return "tcp:" + d.Addr() }

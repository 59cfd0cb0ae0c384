// Package torctl talks to a local tor daemon: it checks that the SOCKS port
// accepts connections and asks the control port for a fresh circuit.
package torctl

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"time"

	"github.com/cretz/bine/control"
	"golang.org/x/net/proxy"
)

// Probe dials target through the SOCKS5 proxy at socksAddr and closes the
// connection immediately, a nil error means the proxy is usable.
func Probe(ctx context.Context, socksAddr, target string) error {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: 10 * time.Second})
	if err != nil {
		return fmt.Errorf("torctl: socks dialer: %w", err)
	}

	var conn net.Conn
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if ok {
		conn, err = contextDialer.DialContext(ctx, "tcp", target)
	} else {
		conn, err = dialer.Dial("tcp", target)
	}
	if err != nil {
		return fmt.Errorf("torctl: probe %s via %s: %w", target, socksAddr, err)
	}
	return conn.Close()
}

// Controller sends commands to the tor control port.
type Controller struct {
	Address  string
	Password string
	Timeout  time.Duration
	// Settle is how long Rotate waits after NEWNYM for the new circuit.
	Settle time.Duration
}

// NewIdentity authenticates and sends SIGNAL NEWNYM, tor will route new
// connections through a different circuit after it replies. An empty
// Password falls back to the null or cookie method tor advertises.
func (c Controller) NewIdentity(ctx context.Context) error {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return fmt.Errorf("torctl: dial control port: %w", err)
	}
	netConn.SetDeadline(time.Now().Add(timeout))

	conn := control.NewConn(textproto.NewConn(netConn))
	defer conn.Close()

	err = conn.Authenticate(c.Password)
	if err != nil {
		return fmt.Errorf("torctl: authenticate: %w", err)
	}
	err = conn.Signal("NEWNYM")
	if err != nil {
		return fmt.Errorf("torctl: signal NEWNYM: %w", err)
	}
	return nil
}

// Rotate requests a new identity and waits Settle for tor to build the new
// circuit.
func (c Controller) Rotate(ctx context.Context) error {
	err := c.NewIdentity(ctx)
	if err != nil {
		return err
	}
	if c.Settle <= 0 {
		return nil
	}
	timer := time.NewTimer(c.Settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

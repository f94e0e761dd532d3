// Package query implements the UDP status protocols spoken by monitored game
// servers. Every protocol returns an Info record whose keys are the raw field
// names of that protocol; callers normalize them.
package query

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrTimeout is returned when a server does not answer before the deadline.
var ErrTimeout = errors.New("timeout")

// defaultDeadline applies when the caller's context carries no deadline.
const defaultDeadline = 3 * time.Second

const maxPacketSize = 4096

var packetHeader = []byte{0xff, 0xff, 0xff, 0xff}

// Info is a heterogeneous key/value status record.
type Info map[string]string

// Querier fetches one status record from addr ("host:port").
type Querier interface {
	Query(ctx context.Context, addr string) (Info, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, addr string) (Info, error)

func (f QuerierFunc) Query(ctx context.Context, addr string) (Info, error) {
	return f(ctx, addr)
}

// dialUDP opens a connected UDP socket whose deadline follows ctx.
// The returned release func must be called once the exchange is done.
func dialUDP(ctx context.Context, addr string) (*net.UDPConn, func(), error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, nil, classify(ctx, err)
	}
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, nil, fmt.Errorf("query: unexpected conn type %T", conn)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultDeadline)
	}
	_ = udp.SetDeadline(deadline)
	// Unblock reads as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = udp.SetDeadline(time.Now())
	})
	release := func() {
		stop()
		udp.Close()
	}
	return udp, release, nil
}

// exchange writes one request datagram and reads one reply datagram.
func exchange(ctx context.Context, conn *net.UDPConn, request []byte) ([]byte, error) {
	if _, err := conn.Write(request); err != nil {
		return nil, classify(ctx, err)
	}
	buf := make([]byte, maxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return buf[:n], nil
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

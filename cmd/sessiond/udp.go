package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// udpSender adapts a *net.UDPConn plus a fixed peer address into the
// session.SwitchSender / session.InsideSender interfaces: both the
// routing-fabric process and the inside application process are modeled as
// UDP peers of the session manager rather than in-process dependencies.
type udpSender struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func newUDPSender(conn *net.UDPConn, peerAddr string) (*udpSender, error) {
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve peer address %q: %w", peerAddr, err)
	}
	return &udpSender{conn: conn, peer: peer}, nil
}

func (s *udpSender) SendSwitch(datagram []byte) error {
	return s.send(datagram)
}

func (s *udpSender) SendInside(datagram []byte) error {
	return s.send(datagram)
}

func (s *udpSender) send(datagram []byte) error {
	_, err := s.conn.WriteToUDP(datagram, s.peer)
	if err != nil {
		return fmt.Errorf("write udp datagram to %s: %w", s.peer, err)
	}
	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp on %q: %w", addr, err)
	}
	return conn, nil
}

// readDeadlineSlice bounds each blocking read so the loop can observe
// context cancellation without a dedicated unblocking mechanism.
const readDeadlineSlice = 500 * time.Millisecond

// runReceiveLoop reads datagrams off conn until ctx is canceled, handing
// each to handle. Handler errors are logged and do not stop the loop: a
// single malformed or unauthenticated datagram must never take down the
// receive path for the rest of the mesh.
func runReceiveLoop(ctx context.Context, conn *net.UDPConn, logger *slog.Logger, handle func([]byte) error, label string) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadlineSlice)); err != nil {
			return fmt.Errorf("%s: set read deadline: %w", label, err)
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s: read udp: %w", label, err)
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		if err := handle(msg); err != nil {
			logger.Debug(label+" frame rejected", slog.String("error", err.Error()))
		}
	}
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package server

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/dza1/dhcpd/logger"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"golang.org/x/net/ipv4"
)

var log = logger.GetLogger("server")

// MaxDatagram is the largest datagram the server reads.
const MaxDatagram = 1 << 16

// Handler4 answers one request. A nil reply means nothing is sent.
type Handler4 func(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4

// DefaultReplyAddr is where replies are sent unless configured otherwise.
var DefaultReplyAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}

// Server reads requests from one socket and answers them in order.
type Server struct {
	conn    *ipv4.PacketConn
	handler Handler4
	ifIndex int
	reply   *net.UDPAddr
	closed  int32
}

// Option configures a Server.
type Option func(*Server)

// WithInterface drops datagrams that arrived on any other interface.
func WithInterface(ifi *net.Interface) Option {
	return func(s *Server) {
		s.ifIndex = ifi.Index
	}
}

// WithReplyAddr overrides DefaultReplyAddr.
func WithReplyAddr(addr *net.UDPAddr) Option {
	return func(s *Server) {
		s.reply = addr
	}
}

// Listen binds a DHCPv4 socket with SO_BROADCAST and SO_REUSEADDR on addr,
// bound to iface when it is not empty. When netnsName is not empty the
// socket is created inside that network namespace.
func Listen(iface, netnsName string, addr *net.UDPAddr) (net.PacketConn, error) {
	listen := func() (net.PacketConn, error) {
		conn, err := server4.NewIPv4UDPConn(iface, addr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", addr, err)
		}
		return conn, nil
	}
	if netnsName == "" {
		return listen()
	}
	return listenInNetns(netnsName, listen)
}

// New wraps conn. The server owns conn from now on.
func New(conn net.PacketConn, handler Handler4, opts ...Option) (*Server, error) {
	s := &Server{
		conn:    ipv4.NewPacketConn(conn),
		handler: handler,
		reply:   DefaultReplyAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		if s.ifIndex != 0 {
			return nil, fmt.Errorf("enable interface control messages: %w", err)
		}
		log.Warningf("Interface control messages unavailable: %v", err)
	}
	return s, nil
}

// Serve runs the receive loop until Close is called, in which case it returns
// nil, or until reading fails.
func (s *Server) Serve() error {
	log.Printf("Listen %s", s.conn.LocalAddr())
	buf := make([]byte, MaxDatagram)
	for {
		n, cm, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 || isClosed(err) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if s.ifIndex != 0 && cm != nil && cm.IfIndex != s.ifIndex {
			log.Debugf("Ignoring datagram from %s on interface %d", peer, cm.IfIndex)
			continue
		}
		req, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			log.Printf("Error parsing DHCPv4 request from %s: %v", peer, err)
			continue
		}
		log.Debugf("Received DHCPv4 packet: %s", req.Summary())

		resp := s.handler(req)
		if resp == nil {
			continue
		}
		log.Debugf("Sending DHCPv4 packet: %s", resp.Summary())

		var woob *ipv4.ControlMessage
		if cm != nil && cm.IfIndex != 0 {
			woob = &ipv4.ControlMessage{IfIndex: cm.IfIndex}
		}
		if _, err := s.conn.WriteTo(resp.ToBytes(), woob, s.reply); err != nil {
			log.Errorf("Write to %s failed: %v", s.reply, err)
		}
	}
}

// Close stops Serve and closes the socket.
func (s *Server) Close() error {
	atomic.StoreInt32(&s.closed, 1)
	return s.conn.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

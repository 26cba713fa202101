package server

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clientHW = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

func echoOffer(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IPv4(10, 0, 0, 100)),
	)
	if err != nil {
		return nil
	}
	return resp
}

type harness struct {
	srv    *Server
	client *net.UDPConn
	done   chan error
}

// start serves on a loopback socket and sends replies to a loopback client
// instead of the broadcast address.
func start(t *testing.T, handler Handler4, opts ...Option) *harness {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	opts = append(opts, WithReplyAddr(client.LocalAddr().(*net.UDPAddr)))
	srv, err := New(conn, handler, opts...)
	require.NoError(t, err)

	h := &harness{srv: srv, client: client, done: make(chan error, 1)}
	go func() {
		h.done <- srv.Serve()
	}()
	t.Cleanup(func() {
		srv.Close()
		client.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, b []byte) {
	_, err := h.client.WriteTo(b, h.srv.conn.LocalAddr())
	require.NoError(t, err)
}

func (h *harness) receive(t *testing.T, timeout time.Duration) (*dhcpv4.DHCPv4, error) {
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, MaxDatagram)
	n, _, err := h.client.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return dhcpv4.FromBytes(buf[:n])
}

func discover(t *testing.T) *dhcpv4.DHCPv4 {
	req, err := dhcpv4.NewDiscovery(clientHW)
	require.NoError(t, err)
	return req
}

func TestServeReply(t *testing.T) {
	h := start(t, echoOffer)
	req := discover(t)
	h.send(t, req.ToBytes())

	resp, err := h.receive(t, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.OpcodeBootReply, resp.OpCode)
	assert.Equal(t, req.TransactionID, resp.TransactionID)
	assert.Equal(t, dhcpv4.MessageTypeOffer, resp.MessageType())
	assert.Equal(t, "10.0.0.100", resp.YourIPAddr.String())
}

func TestServeSkipsMalformed(t *testing.T) {
	h := start(t, echoOffer)
	h.send(t, []byte{0x01, 0x02, 0x03})
	req := discover(t)
	h.send(t, req.ToBytes())

	resp, err := h.receive(t, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, req.TransactionID, resp.TransactionID)
}

func TestServeNilReply(t *testing.T) {
	seen := make(chan dhcpv4.TransactionID, 2)
	h := start(t, func(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
		seen <- req.TransactionID
		if len(seen) == 1 {
			return nil
		}
		return echoOffer(req)
	})
	first, second := discover(t), discover(t)
	h.send(t, first.ToBytes())
	h.send(t, second.ToBytes())

	resp, err := h.receive(t, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, second.TransactionID, resp.TransactionID)
	assert.Equal(t, first.TransactionID, <-seen)
}

func TestServeInterfaceFilter(t *testing.T) {
	h := start(t, echoOffer, WithInterface(&net.Interface{Index: 1 << 20}))
	h.send(t, discover(t).ToBytes())

	_, err := h.receive(t, 300*time.Millisecond)
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())
}

func TestServeClose(t *testing.T) {
	h := start(t, echoOffer)
	// let Serve reach ReadFrom
	h.send(t, discover(t).ToBytes())
	_, err := h.receive(t, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, h.srv.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

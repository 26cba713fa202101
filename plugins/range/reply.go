// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rangeplugin

import (
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ReplyBuilder builds OFFER, ACK and NAK messages carrying the server's fixed
// option set.
type ReplyBuilder struct {
	ServerIP   net.IP
	SubnetMask net.IPMask
	Router     net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
}

// Reply answers req with msgType, handing out ip in the "your address" field.
// Transaction id, hardware type, hardware address, flags and relay agent
// address are echoed from the request.
func (b *ReplyBuilder) Reply(req *dhcpv4.DHCPv4, ip net.IP, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	resp, err := b.newReply(req, msgType)
	if err != nil {
		return nil, err
	}
	resp.YourIPAddr = ip
	resp.ServerIPAddr = b.ServerIP
	resp.UpdateOption(dhcpv4.OptIPAddressLeaseTime(b.LeaseTime))
	resp.UpdateOption(dhcpv4.OptSubnetMask(b.SubnetMask))
	resp.UpdateOption(dhcpv4.OptRouter(b.Router))
	dns := b.DNS
	if len(dns) == 0 {
		dns = []net.IP{b.ServerIP}
	}
	resp.UpdateOption(dhcpv4.OptDNS(dns...))
	return resp, nil
}

// Nak builds a NAK for req. It carries no address and only the message type
// and server identifier options.
func (b *ReplyBuilder) Nak(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	return b.newReply(req, dhcpv4.MessageTypeNak)
}

func (b *ReplyBuilder) newReply(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s reply: %w", msgType, err)
	}
	// start from an empty option set, whatever the codec copied over
	resp.Options = make(dhcpv4.Options)
	resp.GatewayIPAddr = req.GatewayIPAddr
	resp.UpdateOption(dhcpv4.OptMessageType(msgType))
	resp.UpdateOption(dhcpv4.OptServerIdentifier(b.ServerIP))
	return resp, nil
}

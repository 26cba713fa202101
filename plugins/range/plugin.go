// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package rangeplugin

import (
	"errors"
	"net"

	"github.com/dza1/dhcpd/leasestore"
	"github.com/dza1/dhcpd/logger"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

var log = logger.GetLogger("plugins/range")

// LeaseStore is the part of the lease table the dispatcher drives.
type LeaseStore interface {
	Assign(mac net.HardwareAddr) (leasestore.Lease, error)
	Release(mac net.HardwareAddr) (leasestore.Lease, bool)
}

// LeaseObserver is told about every change of the lease table, after the
// change has been made. Errors are logged and do not affect the reply.
type LeaseObserver interface {
	LeaseAssigned(lease leasestore.Lease, msgType dhcpv4.MessageType) error
	LeaseReleased(lease leasestore.Lease) error
}

// PluginState answers DHCPv4 requests from a lease table.
type PluginState struct {
	store     LeaseStore
	builder   *ReplyBuilder
	observers []LeaseObserver
}

// New returns a dispatcher over store that builds replies with builder.
func New(store LeaseStore, builder *ReplyBuilder, observers ...LeaseObserver) *PluginState {
	return &PluginState{
		store:     store,
		builder:   builder,
		observers: observers,
	}
}

// Handler4 handles one decoded DHCPv4 message and returns the reply to send,
// or nil if nothing is to be sent.
func (p *PluginState) Handler4(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return nil
	}
	msgType := req.MessageType()
	if msgType == dhcpv4.MessageTypeNone {
		return nil
	}
	mac := req.ClientHWAddr
	if len(mac) == 0 {
		log.Debugf("Dropping %s without a client hardware address", msgType)
		return nil
	}

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		lease, err := p.assign(mac, msgType)
		if err != nil {
			log.Warnf("Discover: no address for MAC %s: %v", mac, err)
			return nil
		}
		log.Printf("Offer IP address %s for MAC %s", lease.IP, mac)
		return p.reply(req, lease.IP, dhcpv4.MessageTypeOffer)

	case dhcpv4.MessageTypeRequest:
		lease, err := p.assign(mac, msgType)
		if err != nil {
			log.Warnf("Request: no address for MAC %s: %v", mac, err)
			resp, err := p.builder.Nak(req)
			if err != nil {
				log.Errorf("Request: %v", err)
				return nil
			}
			log.Printf("NAK for MAC %s", mac)
			return resp
		}
		log.Printf("ACK IP address %s for MAC %s", lease.IP, mac)
		return p.reply(req, lease.IP, dhcpv4.MessageTypeAck)

	case dhcpv4.MessageTypeRelease:
		lease, ok := p.store.Release(mac)
		if !ok {
			log.Debugf("Release for MAC %s without a lease", mac)
			return nil
		}
		log.Printf("Released IP address %s of MAC %s", lease.IP, mac)
		for _, o := range p.observers {
			if err := o.LeaseReleased(lease); err != nil {
				log.Errorf("Release: observer: %v", err)
			}
		}
		return nil

	case dhcpv4.MessageTypeInform:
		log.Printf("Inform ACK for MAC %s at %s", mac, req.ClientIPAddr)
		return p.reply(req, req.ClientIPAddr, dhcpv4.MessageTypeAck)

	default:
		log.Errorf("Unhandled DHCP message type %s from MAC %s", msgType, mac)
		return nil
	}
}

func (p *PluginState) assign(mac net.HardwareAddr, msgType dhcpv4.MessageType) (leasestore.Lease, error) {
	lease, err := p.store.Assign(mac)
	if err != nil {
		if !errors.Is(err, leasestore.ErrPoolExhausted) {
			log.Errorf("Assign: unexpected error for MAC %s: %v", mac, err)
		}
		return lease, err
	}
	for _, o := range p.observers {
		if err := o.LeaseAssigned(lease, msgType); err != nil {
			log.Errorf("Assign: observer: %v", err)
		}
	}
	return lease, nil
}

func (p *PluginState) reply(req *dhcpv4.DHCPv4, ip net.IP, msgType dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	resp, err := p.builder.Reply(req, ip, msgType)
	if err != nil {
		log.Errorf("%s: %v", msgType, err)
		return nil
	}
	return resp
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package leasestore

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/dza1/dhcpd/logger"
)

var log = logger.GetLogger("leasestore")

// Kind tells where the address of a lease came from.
type Kind int

const (
	// Dynamic leases are taken from the pool.
	Dynamic Kind = iota
	// Static leases come from the fixed hardware address table.
	Static
)

func (k Kind) String() string {
	switch k {
	case Dynamic:
		return "dynamic"
	case Static:
		return "static"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Lease associates a hardware address with an IPv4 address.
// Leases do not expire; they live until released.
type Lease struct {
	HWAddr net.HardwareAddr
	IP     net.IP
	Kind   Kind
}

// Stats summarises pool usage. Available counts pool addresses that can
// still be handed out, which under the cursor excludes released addresses
// it has already walked past.
type Stats struct {
	PoolSize  int
	Dynamic   int
	Static    int
	Available int
	Cursor    net.IP
}

// Storage holds the lease table: a forward map keyed by hardware address and a
// reverse map keyed by address, always updated together.
type Storage struct {
	sync.Mutex
	forward   map[string]Lease
	reverse   map[uint32]string
	static    map[string]net.IP
	allocator Allocator
	poolSize  int
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	reclaim bool
}

// WithReclaim makes released pool addresses available again. Without it the
// pool is consumed once, in order.
func WithReclaim(reclaim bool) Option {
	return func(o *options) {
		o.reclaim = reclaim
	}
}

// New creates a lease table for the pool [start, end] and the given static
// table, keyed by hardware address string. Static addresses have to lie
// outside the pool and must not repeat.
func New(start, end net.IP, static map[string]net.IP, opts ...Option) (*Storage, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		allocator Allocator
		err       error
	)
	if o.reclaim {
		allocator, err = NewBitmapAllocator(start, end)
	} else {
		allocator, err = NewCursorAllocator(start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("could not create an allocator: %w", err)
	}

	s, e := ipToUint(start), ipToUint(end)
	statics := make(map[string]net.IP, len(static))
	seen := make(map[uint32]string, len(static))
	for key, ip := range static {
		mac, err := net.ParseMAC(key)
		if err != nil {
			return nil, fmt.Errorf("malformed hardware address: %s", key)
		}
		if ip.To4() == nil {
			return nil, fmt.Errorf("expected an IPv4 address for %s, got: %v", key, ip)
		}
		n := ipToUint(ip)
		if n >= s && n <= e {
			return nil, fmt.Errorf("static address %s of %s lies inside the pool %s-%s", ip, key, start, end)
		}
		if other, ok := seen[n]; ok {
			return nil, fmt.Errorf("static address %s is configured for both %s and %s", ip, other, mac)
		}
		seen[n] = mac.String()
		statics[mac.String()] = ip.To4()
	}

	return &Storage{
		forward:   make(map[string]Lease),
		reverse:   make(map[uint32]string),
		static:    statics,
		allocator: allocator,
		poolSize:  int(e-s) + 1,
	}, nil
}

// Assign returns the lease of mac, creating one if needed. An existing lease
// wins, then the static table, then the pool. ErrPoolExhausted is returned
// when the pool has nothing left to give.
func (s *Storage) Assign(mac net.HardwareAddr) (Lease, error) {
	s.Lock()
	defer s.Unlock()
	key := mac.String()
	if lease, ok := s.forward[key]; ok {
		return lease, nil
	}
	if ip, ok := s.static[key]; ok {
		log.Debugf("MAC address %s has a static lease", key)
		return s.record(mac, ip, Static), nil
	}
	n, err := s.allocator.Allocate(func(ip uint32) bool {
		_, used := s.reverse[ip]
		return used
	})
	if err != nil {
		return Lease{}, err
	}
	log.Debugf("MAC address %s is new, leasing new IPv4 address", key)
	return s.record(mac, uintToIP(n), Dynamic), nil
}

// Release drops the lease of mac, if any, and returns it.
func (s *Storage) Release(mac net.HardwareAddr) (Lease, bool) {
	s.Lock()
	defer s.Unlock()
	key := mac.String()
	lease, ok := s.forward[key]
	if !ok {
		return Lease{}, false
	}
	n := ipToUint(lease.IP)
	delete(s.forward, key)
	delete(s.reverse, n)
	if lease.Kind == Dynamic {
		s.allocator.Free(n)
	}
	return lease, true
}

// Lookup returns the current lease of mac without allocating.
func (s *Storage) Lookup(mac net.HardwareAddr) (Lease, bool) {
	s.Lock()
	defer s.Unlock()
	lease, ok := s.forward[mac.String()]
	return lease, ok
}

// Leases returns all current leases ordered by address.
func (s *Storage) Leases() []Lease {
	s.Lock()
	defer s.Unlock()
	leases := make([]Lease, 0, len(s.forward))
	for _, lease := range s.forward {
		leases = append(leases, lease)
	}
	sort.Slice(leases, func(i, j int) bool {
		return ipToUint(leases[i].IP) < ipToUint(leases[j].IP)
	})
	return leases
}

// Stats reports pool usage at the time of the call.
func (s *Storage) Stats() Stats {
	s.Lock()
	defer s.Unlock()
	st := Stats{
		PoolSize:  s.poolSize,
		Available: s.allocator.Available(),
		Cursor:    uintToIP(s.allocator.Cursor()),
	}
	for _, lease := range s.forward {
		if lease.Kind == Static {
			st.Static++
		} else {
			st.Dynamic++
		}
	}
	return st
}

// record must be called with the lock held.
func (s *Storage) record(mac net.HardwareAddr, ip net.IP, kind Kind) Lease {
	lease := Lease{
		HWAddr: append(net.HardwareAddr(nil), mac...),
		IP:     ip,
		Kind:   kind,
	}
	s.forward[mac.String()] = lease
	s.reverse[ipToUint(ip)] = mac.String()
	return lease
}

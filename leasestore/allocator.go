// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package leasestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/willf/bitset"
)

// ErrPoolExhausted is returned by Assign when no pool address is left.
// It is an expected outcome, not a fault.
var ErrPoolExhausted = errors.New("address pool exhausted")

// Allocator hands out addresses of the dynamic pool.
// inUse reports whether an address is already held by some lease;
// allocators must never return such an address.
type Allocator interface {
	Allocate(inUse func(ip uint32) bool) (uint32, error)
	// Free gives an address back to the pool. Addresses outside the pool are ignored.
	Free(ip uint32)
	// Cursor is the next address the allocator will inspect.
	Cursor() uint32
	// Available is the number of addresses Allocate can still return.
	Available() int
}

// CursorAllocator walks the pool once, from start to end. Addresses it has
// walked past are never offered again, even after they are released.
type CursorAllocator struct {
	start, end uint32
	// next is wider than an address so that it can move past 255.255.255.255
	next uint64
}

// NewCursorAllocator returns an allocator for the inclusive range [start, end].
func NewCursorAllocator(start, end net.IP) (*CursorAllocator, error) {
	s, e, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}
	return &CursorAllocator{start: s, end: e, next: uint64(s)}, nil
}

// Allocate advances the cursor past every address it inspects.
func (a *CursorAllocator) Allocate(inUse func(ip uint32) bool) (uint32, error) {
	for a.next <= uint64(a.end) {
		ip := uint32(a.next)
		a.next++
		if !inUse(ip) {
			return ip, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Free is a no-op: the cursor only moves forward.
func (a *CursorAllocator) Free(uint32) {}

// Cursor returns the next untried address. Past the end of the pool it is end+1.
func (a *CursorAllocator) Cursor() uint32 {
	return uint32(a.next)
}

func (a *CursorAllocator) Available() int {
	return int(uint64(a.end) + 1 - a.next)
}

// BitmapAllocator tracks every pool address in a bitmap and always picks the
// lowest free one, so released addresses are handed out again.
type BitmapAllocator struct {
	start, end uint32
	bitmap     *bitset.BitSet
}

// NewBitmapAllocator returns a reclaiming allocator for the inclusive range [start, end].
func NewBitmapAllocator(start, end net.IP) (*BitmapAllocator, error) {
	s, e, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}
	return &BitmapAllocator{
		start:  s,
		end:    e,
		bitmap: bitset.New(uint(e-s) + 1),
	}, nil
}

func (a *BitmapAllocator) Allocate(inUse func(ip uint32) bool) (uint32, error) {
	size := uint(a.end-a.start) + 1
	for idx, ok := a.bitmap.NextClear(0); ok && idx < size; idx, ok = a.bitmap.NextClear(idx) {
		a.bitmap.Set(idx)
		ip := a.start + uint32(idx)
		if !inUse(ip) {
			return ip, nil
		}
	}
	return 0, ErrPoolExhausted
}

func (a *BitmapAllocator) Free(ip uint32) {
	if ip < a.start || ip > a.end {
		return
	}
	a.bitmap.Clear(uint(ip - a.start))
}

// Cursor returns the lowest free address, or end+1 when the bitmap is full.
func (a *BitmapAllocator) Cursor() uint32 {
	idx, ok := a.bitmap.NextClear(0)
	if !ok || idx > uint(a.end-a.start) {
		return a.end + 1
	}
	return a.start + uint32(idx)
}

func (a *BitmapAllocator) Available() int {
	return int(uint(a.end-a.start) + 1 - a.bitmap.Count())
}

func parseRange(start, end net.IP) (uint32, uint32, error) {
	if start.To4() == nil {
		return 0, 0, fmt.Errorf("invalid IPv4 address: %v", start)
	}
	if end.To4() == nil {
		return 0, 0, fmt.Errorf("invalid IPv4 address: %v", end)
	}
	s, e := ipToUint(start), ipToUint(end)
	if s > e {
		return 0, 0, errors.New("start of IP range has to be lower than or equal to the end of an IP range")
	}
	return s, e, nil
}

func ipToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uintToIP(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}

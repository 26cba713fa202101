package leasestore

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	poolStart = net.IPv4(192, 168, 1, 100)
	poolEnd   = net.IPv4(192, 168, 1, 102)

	macA = mustMAC("02:00:00:00:00:0a")
	macB = mustMAC("02:00:00:00:00:0b")
	macC = mustMAC("02:00:00:00:00:0c")
	macD = mustMAC("02:00:00:00:00:0d")

	staticMAC = mustMAC("aa:bb:cc:dd:ee:ff")
	staticIP  = net.IPv4(192, 168, 1, 50)
)

func mustMAC(s string) net.HardwareAddr {
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

func int2mac(nn uint32) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	binary.BigEndian.PutUint32(mac[2:], nn)
	return mac
}

func newStorage(t *testing.T, opts ...Option) *Storage {
	s, err := New(poolStart, poolEnd, map[string]net.IP{staticMAC.String(): staticIP}, opts...)
	require.NoError(t, err)
	return s
}

func assign(t *testing.T, s *Storage, mac net.HardwareAddr) net.IP {
	lease, err := s.Assign(mac)
	require.NoError(t, err)
	return lease.IP
}

func TestAssignScenario(t *testing.T) {
	s := newStorage(t)

	assert.True(t, net.IPv4(192, 168, 1, 100).Equal(assign(t, s, macA)))
	assert.True(t, net.IPv4(192, 168, 1, 101).Equal(assign(t, s, macB)))
	assert.True(t, net.IPv4(192, 168, 1, 102).Equal(assign(t, s, macC)))

	_, err := s.Assign(macD)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	_, ok := s.Release(macA)
	require.True(t, ok)

	// the cursor is already past .100, so it is not handed out again
	_, err = s.Assign(macD)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAssignScenarioReclaim(t *testing.T) {
	s := newStorage(t, WithReclaim(true))

	assign(t, s, macA)
	assign(t, s, macB)
	assign(t, s, macC)
	_, err := s.Assign(macD)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	_, ok := s.Release(macA)
	require.True(t, ok)
	assert.True(t, net.IPv4(192, 168, 1, 100).Equal(assign(t, s, macD)))
}

func TestAssignIdempotent(t *testing.T) {
	for _, reclaim := range []bool{false, true} {
		s := newStorage(t, WithReclaim(reclaim))
		first := assign(t, s, macA)
		assign(t, s, macB)
		second := assign(t, s, macA)
		assert.True(t, first.Equal(second), "reclaim=%v", reclaim)
	}
}

func TestAssignUnique(t *testing.T) {
	s, err := New(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 254), nil)
	require.NoError(t, err)

	seen := make(map[string]string)
	var i uint32
	for ; i < 254; i++ {
		mac := int2mac(i)
		ip := assign(t, s, mac).String()
		if other, ok := seen[ip]; ok {
			t.Fatalf("%s assigned to both %s and %s", ip, other, mac)
		}
		seen[ip] = mac.String()
	}
	_, err = s.Assign(int2mac(i))
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAssignStaticPrecedence(t *testing.T) {
	s := newStorage(t)

	// exhaust the pool first: the static entry must not depend on it
	assign(t, s, macA)
	assign(t, s, macB)
	assign(t, s, macC)

	lease, err := s.Assign(staticMAC)
	require.NoError(t, err)
	assert.True(t, staticIP.Equal(lease.IP))
	assert.Equal(t, Static, lease.Kind)

	_, ok := s.Release(staticMAC)
	require.True(t, ok)
	lease, err = s.Assign(staticMAC)
	require.NoError(t, err)
	assert.True(t, staticIP.Equal(lease.IP))
}

func TestReleaseUnknown(t *testing.T) {
	s := newStorage(t)
	_, ok := s.Release(macA)
	assert.False(t, ok)
	assert.Empty(t, s.Leases())
}

func TestReleaseClearsState(t *testing.T) {
	s, err := New(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 10), nil)
	require.NoError(t, err)

	first := assign(t, s, macA)
	assign(t, s, macB)
	released, ok := s.Release(macA)
	require.True(t, ok)
	assert.True(t, first.Equal(released.IP))

	_, ok = s.Lookup(macA)
	assert.False(t, ok)

	// a fresh allocation: the cursor moved on, so a different address
	second := assign(t, s, macA)
	assert.True(t, net.IPv4(10, 0, 0, 3).Equal(second))
}

func TestForwardReverseLockStep(t *testing.T) {
	s := newStorage(t, WithReclaim(true))
	assign(t, s, macA)
	assign(t, s, macB)
	assign(t, s, staticMAC)
	s.Release(macB)
	assign(t, s, macC)
	s.Release(staticMAC)

	s.Lock()
	defer s.Unlock()
	require.Equal(t, len(s.forward), len(s.reverse))
	for key, lease := range s.forward {
		assert.Equal(t, key, s.reverse[ipToUint(lease.IP)])
	}
}

func TestCursorMonotonic(t *testing.T) {
	s, err := New(net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 20), nil)
	require.NoError(t, err)

	last := ipToUint(s.Stats().Cursor)
	check := func() {
		cur := ipToUint(s.Stats().Cursor)
		require.GreaterOrEqual(t, cur, last)
		last = cur
	}
	var i uint32
	for ; i < 30; i++ {
		_, _ = s.Assign(int2mac(i))
		check()
		if i%3 == 0 {
			s.Release(int2mac(i / 2))
			check()
		}
	}
}

func TestStats(t *testing.T) {
	s := newStorage(t)
	assign(t, s, macA)
	assign(t, s, staticMAC)

	st := s.Stats()
	assert.Equal(t, 3, st.PoolSize)
	assert.Equal(t, 1, st.Dynamic)
	assert.Equal(t, 1, st.Static)
	assert.Equal(t, 2, st.Available)
	assert.True(t, net.IPv4(192, 168, 1, 101).Equal(st.Cursor))

	s.Release(macA)
	assert.Equal(t, 2, s.Stats().Available)
}

func TestLeasesSorted(t *testing.T) {
	s := newStorage(t)
	assign(t, s, macA)
	assign(t, s, macB)
	assign(t, s, staticMAC)

	leases := s.Leases()
	require.Len(t, leases, 3)
	assert.True(t, staticIP.Equal(leases[0].IP))
	assert.Equal(t, macA.String(), leases[1].HWAddr.String())
	assert.Equal(t, macB.String(), leases[2].HWAddr.String())
}

func TestNewRejectsBadTables(t *testing.T) {
	tests := []struct {
		name   string
		start  net.IP
		end    net.IP
		static map[string]net.IP
	}{
		{"reversed pool", poolEnd, poolStart, nil},
		{"ipv6 pool", net.ParseIP("2001:db8::1"), poolEnd, nil},
		{"static inside pool", poolStart, poolEnd, map[string]net.IP{macA.String(): net.IPv4(192, 168, 1, 101)}},
		{"bad mac", poolStart, poolEnd, map[string]net.IP{"not-a-mac": staticIP}},
		{"duplicate static", poolStart, poolEnd, map[string]net.IP{
			macA.String(): staticIP,
			macB.String(): staticIP,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.start, tt.end, tt.static)
			assert.Error(t, err)
		})
	}
}

package device

import (
	"net"

	"github.com/dza1/dhcpd/leasestore"
)

type IDeviceService interface {
	FindAll() ([]*Device, error)
	FindByState(state string) ([]*Device, error)
	FindByHardwareAddr(hardwareAddr net.HardwareAddr) (*Device, error)
}

// LeaseReader is the read-only view of the live lease table.
type LeaseReader interface {
	Lookup(mac net.HardwareAddr) (leasestore.Lease, bool)
	Leases() []leasestore.Lease
	Stats() leasestore.Stats
}

package device

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/dza1/dhcpd/leasestore"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	logDb "gorm.io/gorm/logger"
)

// Sqlite3Service journals lease changes so that operators can inspect them.
// The journal is never read back into the lease table.
type Sqlite3Service struct {
	db        *gorm.DB
	LeaseTime time.Duration
}

// OpenSqlite3 opens (or creates) the journal database file.
func OpenSqlite3(filename string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(filename), &gorm.Config{
		Logger: logDb.Default.LogMode(logDb.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	return db, nil
}

// NewSqlite3Service migrates the schema and drops entries left by a previous
// run, since leases do not survive a restart.
func NewSqlite3Service(db *gorm.DB, leaseTime time.Duration) (*Sqlite3Service, error) {
	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, fmt.Errorf("migrate devices: %w", err)
	}
	if err := db.Unscoped().Where("1 = 1").Delete(&Device{}).Error; err != nil {
		return nil, fmt.Errorf("could not delete old entries on startup: %w", err)
	}
	return &Sqlite3Service{db: db, LeaseTime: leaseTime}, nil
}

// LeaseAssigned creates or refreshes the entry of the lease holder.
func (service *Sqlite3Service) LeaseAssigned(lease leasestore.Lease, msgType dhcpv4.MessageType) error {
	state := StateBound
	if msgType == dhcpv4.MessageTypeDiscover {
		state = StateOffered
	}
	hwAddr := lease.HWAddr.String()

	function := func(tx *gorm.DB) error {
		var device Device
		err := tx.Where("hardware_addr = ?", hwAddr).First(&device).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		device.HardwareAddr = hwAddr
		device.IP = lease.IP.String()
		device.Kind = lease.Kind.String()
		device.State = state
		device.LeaseExpiration = time.Now().Add(service.LeaseTime).Round(time.Second)
		if device.ID == 0 {
			log.Debugf("Create device %s", hwAddr)
			return tx.Create(&device).Error
		}
		log.Debugf("Update device %s", hwAddr)
		return tx.Save(&device).Error
	}
	if err := service.db.Transaction(function); err != nil {
		return fmt.Errorf("journal lease of %s: %w", hwAddr, err)
	}
	return nil
}

// LeaseReleased marks the entry of the former lease holder as released.
func (service *Sqlite3Service) LeaseReleased(lease leasestore.Lease) error {
	err := service.db.Model(&Device{}).
		Where("hardware_addr = ?", lease.HWAddr.String()).
		Updates(map[string]interface{}{
			"state":            StateReleased,
			"lease_expiration": time.Now().Round(time.Second),
		}).Error
	if err != nil {
		return fmt.Errorf("journal release of %s: %w", lease.HWAddr, err)
	}
	return nil
}

func (service *Sqlite3Service) FindByState(state string) ([]*Device, error) {
	log.Debugf("Finding devices by state %s", state)
	devices := make([]*Device, 0)
	if err := service.db.Where("state = ?", state).Find(&devices).Error; err != nil {
		return nil, err
	}
	sortByIP(devices)
	return devices, nil
}

func (service *Sqlite3Service) FindByHardwareAddr(hardwareAddr net.HardwareAddr) (*Device, error) {
	log.Debugf("Finding device by hardware address %s", hardwareAddr)
	var device Device
	if err := service.db.Where("hardware_addr = ?", hardwareAddr.String()).First(&device).Error; err != nil {
		return nil, err
	}
	return &device, nil
}

func (service *Sqlite3Service) FindAll() ([]*Device, error) {
	log.Debugf("Finding all devices")
	devices := make([]*Device, 0)
	if err := service.db.Find(&devices).Error; err != nil {
		return nil, err
	}
	sortByIP(devices)
	return devices, nil
}

// sortByIP orders devices by numeric address, the order of the lease table.
func sortByIP(devices []*Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(devices[i].IP).To16(), net.ParseIP(devices[j].IP).To16()) < 0
	})
}

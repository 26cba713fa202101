package device

import (
	"time"

	"gorm.io/gorm"
)

// Lease states recorded in the journal.
const (
	StateOffered  = "offered"
	StateBound    = "bound"
	StateReleased = "released"
)

// Device is the journal entry of one client hardware address and the
// address it currently holds.
type Device struct {
	gorm.Model
	HardwareAddr    string `gorm:"unique;not null"` // one row per client
	IP              string `gorm:"not null"`
	Kind            string
	State           string `gorm:"index"`
	LeaseExpiration time.Time
}

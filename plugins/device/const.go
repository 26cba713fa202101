package device

import "github.com/dza1/dhcpd/logger"

var log = logger.GetLogger("plugins/device")

// Events published on every lease change.
const (
	AssignedTopic = "lease.assigned"
	ReleasedTopic = "lease.released"
)

// Request/reply query subjects. JournalTopic is only served when a journal
// is configured.
const (
	FindAllTopic            = "lease.findAll"
	FindByHardwareAddrTopic = "lease.findByHardwareAddr"
	StatsTopic              = "lease.stats"
	JournalTopic            = "lease.journal"
)

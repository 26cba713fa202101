package device

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/dza1/dhcpd/leasestore"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/nats-io/nats.go"
)

// LeaseEvent is published on AssignedTopic and ReleasedTopic.
type LeaseEvent struct {
	HardwareAddr string    `json:"hardwareAddr"`
	IP           string    `json:"ip"`
	Kind         string    `json:"kind"`
	MessageType  string    `json:"messageType,omitempty"`
	Time         time.Time `json:"time"`
}

// LeaseView is one entry of a lease query reply.
type LeaseView struct {
	HardwareAddr string `json:"hardwareAddr"`
	IP           string `json:"ip"`
	Kind         string `json:"kind"`
}

// StatsView is the reply on StatsTopic.
type StatsView struct {
	PoolSize  int    `json:"poolSize"`
	Dynamic   int    `json:"dynamic"`
	Static    int    `json:"static"`
	Available int    `json:"available"`
	Cursor    string `json:"cursor"`
}

// LeaseQuery is the request body on FindByHardwareAddrTopic and JournalTopic.
type LeaseQuery struct {
	HardwareAddr string `json:"hardwareAddr,omitempty"`
	State        string `json:"state,omitempty"`
}

// NATSController publishes lease events and answers lease queries.
type NATSController struct {
	nc            *nats.EncodedConn
	leases        LeaseReader
	deviceService IDeviceService
}

// NewNATSController serves lease queries from leases, and journal queries
// from deviceService when it is not nil.
func NewNATSController(nc *nats.EncodedConn, leases LeaseReader, deviceService IDeviceService) *NATSController {
	return &NATSController{nc: nc, leases: leases, deviceService: deviceService}
}

// ConnectNATS dials the broker and wraps the connection in a JSON encoder.
func ConnectNATS(url string) (*nats.EncodedConn, error) {
	nc, err := nats.Connect(url, nats.Name("dhcpd"))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	ec, err := nats.NewEncodedConn(nc, nats.JSON_ENCODER)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("new encoded conn: %w", err)
	}
	return ec, nil
}

// Subscribe registers the query handlers.
func (controller *NATSController) Subscribe() error {
	subjects := map[string]func(data []byte) (interface{}, error){
		FindAllTopic:            controller.findAll,
		FindByHardwareAddrTopic: controller.findByHardwareAddr,
		StatsTopic:              controller.stats,
	}
	if controller.deviceService != nil {
		subjects[JournalTopic] = controller.journal
	}
	for subject, handle := range subjects {
		if _, err := controller.nc.Subscribe(subject, controller.respond(handle)); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

// LeaseAssigned publishes an AssignedTopic event.
func (controller *NATSController) LeaseAssigned(lease leasestore.Lease, msgType dhcpv4.MessageType) error {
	ev := newLeaseEvent(lease)
	ev.MessageType = msgType.String()
	if err := controller.nc.Publish(AssignedTopic, ev); err != nil {
		return fmt.Errorf("publish %s: %w", AssignedTopic, err)
	}
	return nil
}

// LeaseReleased publishes a ReleasedTopic event.
func (controller *NATSController) LeaseReleased(lease leasestore.Lease) error {
	if err := controller.nc.Publish(ReleasedTopic, newLeaseEvent(lease)); err != nil {
		return fmt.Errorf("publish %s: %w", ReleasedTopic, err)
	}
	return nil
}

func (controller *NATSController) respond(handle func(data []byte) (interface{}, error)) func(msg *nats.Msg) {
	return func(msg *nats.Msg) {
		log.Debugf("Received message on subject %s", msg.Subject)
		if msg.Reply == "" {
			return
		}
		reply, err := handle(msg.Data)
		if err != nil {
			log.Errorf("%s: %v", msg.Subject, err)
			reply = map[string]string{"error": err.Error()}
		}
		if err := controller.nc.Publish(msg.Reply, reply); err != nil {
			log.Errorf("publish reply to %s: %v", msg.Subject, err)
		}
	}
}

func (controller *NATSController) findAll([]byte) (interface{}, error) {
	views := make([]LeaseView, 0)
	for _, lease := range controller.leases.Leases() {
		views = append(views, newLeaseView(lease))
	}
	return views, nil
}

func (controller *NATSController) findByHardwareAddr(data []byte) (interface{}, error) {
	var query LeaseQuery
	if err := json.Unmarshal(data, &query); err != nil {
		return nil, fmt.Errorf("unmarshal msg data: %w", err)
	}
	mac, err := net.ParseMAC(query.HardwareAddr)
	if err != nil {
		return nil, fmt.Errorf("malformed hardware address: %q", query.HardwareAddr)
	}
	lease, ok := controller.leases.Lookup(mac)
	if !ok {
		return nil, fmt.Errorf("no lease for %s", mac)
	}
	return newLeaseView(lease), nil
}

func (controller *NATSController) stats([]byte) (interface{}, error) {
	return newStatsView(controller.leases.Stats()), nil
}

func (controller *NATSController) journal(data []byte) (interface{}, error) {
	var query LeaseQuery
	if len(data) > 0 {
		if err := json.Unmarshal(data, &query); err != nil {
			return nil, fmt.Errorf("unmarshal msg data: %w", err)
		}
	}
	if query.HardwareAddr != "" {
		mac, err := net.ParseMAC(query.HardwareAddr)
		if err != nil {
			return nil, fmt.Errorf("malformed hardware address: %q", query.HardwareAddr)
		}
		return controller.deviceService.FindByHardwareAddr(mac)
	}
	if query.State != "" {
		return controller.deviceService.FindByState(query.State)
	}
	return controller.deviceService.FindAll()
}

func newLeaseEvent(lease leasestore.Lease) LeaseEvent {
	return LeaseEvent{
		HardwareAddr: lease.HWAddr.String(),
		IP:           lease.IP.String(),
		Kind:         lease.Kind.String(),
		Time:         time.Now(),
	}
}

func newLeaseView(lease leasestore.Lease) LeaseView {
	return LeaseView{
		HardwareAddr: lease.HWAddr.String(),
		IP:           lease.IP.String(),
		Kind:         lease.Kind.String(),
	}
}

func newStatsView(st leasestore.Stats) StatsView {
	return StatsView{
		PoolSize:  st.PoolSize,
		Dynamic:   st.Dynamic,
		Static:    st.Static,
		Available: st.Available,
		Cursor:    st.Cursor.String(),
	}
}

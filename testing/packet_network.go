package testing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxav/av"
)

var (
	// ErrUnknownAddress is returned when sending to an address with no endpoint.
	ErrUnknownAddress = errors.New("no endpoint at address")
	// ErrEndpointClosed is returned when sending from a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrLinkDown is returned when the link between two endpoints is cut.
	ErrLinkDown = errors.New("link down")
)

// DeliveryRecord represents a packet delivery event for testing verification
type DeliveryRecord struct {
	From       string
	To         string
	PacketType byte
	PacketSize int
	Timestamp  int64
	Success    bool
	Error      error
}

type link struct{ from, to string }

// Network is an in-memory packet network. Packets are delivered
// synchronously on the sender's goroutine to the handler registered for
// their type at the destination endpoint.
type Network struct {
	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	down        map[link]bool
	deliveryLog []DeliveryRecord
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		down:      make(map[link]bool),
	}
}

// Endpoint attaches a new endpoint at addr, replacing any previous one.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	e := &Endpoint{
		network:  n,
		addr:     addr,
		handlers: make(map[byte]func(data, addr []byte) error),
	}
	n.endpoints[addr] = e

	logrus.WithFields(logrus.Fields{
		"function": "Network.Endpoint",
		"addr":     addr,
	}).Debug("Endpoint attached to in-memory network")
	return e
}

// SetLinkDown cuts or restores delivery from one address to another.
func (n *Network) SetLinkDown(from, to string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if down {
		n.down[link{from, to}] = true
	} else {
		delete(n.down, link{from, to})
	}
}

// GetDeliveryLog returns a copy of all delivery attempts.
func (n *Network) GetDeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// ClearDeliveryLog empties the delivery log.
func (n *Network) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = nil
}

// CountDelivered returns how many packets of the given type were delivered.
func (n *Network) CountDelivered(packetType byte) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, r := range n.deliveryLog {
		if r.PacketType == packetType && r.Success {
			count++
		}
	}
	return count
}

func (n *Network) record(r DeliveryRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r.Timestamp = time.Now().UnixNano()
	n.deliveryLog = append(n.deliveryLog, r)
}

func (n *Network) route(from, to string) (*Endpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[link{from, to}] {
		return nil, ErrLinkDown
	}
	dst, ok := n.endpoints[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, to)
	}
	return dst, nil
}

// Endpoint is one attachment to a Network. It satisfies the packet
// transport interface used by av/signaling.
type Endpoint struct {
	network *Network
	addr    string

	mu       sync.RWMutex
	handlers map[byte]func(data, addr []byte) error
	closed   bool
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() []byte {
	return []byte(e.addr)
}

// RegisterHandler registers a handler for specific packet types
func (e *Endpoint) RegisterHandler(packetType byte, handler func(data, addr []byte) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[packetType] = handler
}

// Send delivers a packet to the endpoint at addr. Only local failures are
// returned; a handler error at the destination is recorded in the delivery
// log, as a datagram sender would never see it.
func (e *Endpoint) Send(packetType byte, data, addr []byte) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()

	rec := DeliveryRecord{From: e.addr, To: string(addr), PacketType: packetType, PacketSize: len(data)}
	if closed {
		rec.Error = ErrEndpointClosed
		e.network.record(rec)
		return ErrEndpointClosed
	}

	dst, err := e.network.route(e.addr, string(addr))
	if err != nil {
		rec.Error = err
		e.network.record(rec)
		return err
	}

	dst.mu.RLock()
	handler, ok := dst.handlers[packetType]
	dstClosed := dst.closed
	dst.mu.RUnlock()
	if !ok || dstClosed {
		rec.Error = fmt.Errorf("no handler for packet type 0x%02x at %s", packetType, dst.addr)
		e.network.record(rec)
		return nil
	}

	payload := append([]byte(nil), data...)
	if err := handler(payload, []byte(e.addr)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Endpoint.Send",
			"from":        e.addr,
			"to":          dst.addr,
			"packet_type": fmt.Sprintf("0x%02x", packetType),
			"error":       err.Error(),
		}).Debug("Destination handler rejected packet")
		rec.Error = err
		e.network.record(rec)
		return nil
	}

	rec.Success = true
	e.network.record(rec)
	return nil
}

// Close detaches the endpoint. Later sends from it fail and packets to it
// are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Directory maps peers to network addresses for one side of a call.
type Directory struct {
	mu     sync.RWMutex
	byPeer map[av.PeerID]string
	byAddr map[string]av.PeerID
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byPeer: make(map[av.PeerID]string),
		byAddr: make(map[string]av.PeerID),
	}
}

// Add records that peer is reachable at addr.
func (d *Directory) Add(peer av.PeerID, addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byPeer[peer] = addr
	d.byAddr[addr] = peer
}

// AddressOf returns the address of peer.
func (d *Directory) AddressOf(peer av.PeerID) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.byPeer[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, peer)
	}
	return []byte(addr), nil
}

// PeerOf returns the peer at addr.
func (d *Directory) PeerOf(addr []byte) (av.PeerID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.byAddr[string(addr)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}
	return peer, nil
}

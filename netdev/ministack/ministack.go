package ministack

import (
	"net"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ardnew/softeth/netdev"
	"github.com/ardnew/softeth/pkg"
)

// DefaultAddr is the IPv4 address the stack answers for when Config.Addr
// is the zero value.
var DefaultAddr = netip.AddrFrom4([4]byte{10, 0, 0, 2})

// outQueueDepth bounds the per-device outgoing frame queue fed by [Stack.Send].
const outQueueDepth = 16

// Config holds the construction parameters for a [Stack].
type Config struct {
	// Addr is the IPv4 address the stack claims in ARP replies and
	// answers echo requests for. The zero value selects [DefaultAddr].
	Addr netip.Addr
}

// Counters accumulates stack activity. Snapshot with [Stack.Counters].
type Counters struct {
	Received    uint64 // frames delivered through the Input operations
	ARPReplies  uint64 // ARP replies staged
	EchoReplies uint64 // ICMPv4 echo replies staged
	Dropped     uint64 // frames consumed without a reply
	Sent        uint64 // queued frames handed to a poll callback
}

// Stack is a minimal IPv4-over-Ethernet network stack. It answers ARP
// requests and ICMPv4 echo requests addressed to its configured address
// and drops everything else. It implements [netdev.Stack].
//
// The Input and Poll operations run with the stack lock already held by
// the caller, per the [netdev.Stack] contract; Register, Unregister, Send
// and Counters acquire it themselves.
type Stack struct {
	mu       sync.Mutex
	addr     netip.Addr
	devices  map[*netdev.Device]struct{}
	outq     map[*netdev.Device][][]byte
	counters Counters
}

// New creates a stack answering for the configured address.
func New(cfg Config) *Stack {
	if !cfg.Addr.IsValid() {
		cfg.Addr = DefaultAddr
	}
	return &Stack{
		addr:    cfg.Addr,
		devices: make(map[*netdev.Device]struct{}),
		outq:    make(map[*netdev.Device][][]byte),
	}
}

// Addr returns the address the stack answers for.
func (s *Stack) Addr() netip.Addr {
	return s.addr
}

// Lock acquires the stack's global lock.
func (s *Stack) Lock() {
	s.mu.Lock()
}

// Unlock releases the stack's global lock.
func (s *Stack) Unlock() {
	s.mu.Unlock()
}

// Register attaches a device to the stack.
func (s *Stack) Register(dev *netdev.Device) error {
	if dev == nil {
		return pkg.ErrInvalidParameter
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[dev]; ok {
		return pkg.ErrBusy
	}
	s.devices[dev] = struct{}{}

	pkg.LogInfo(pkg.ComponentStack, "device registered",
		"name", dev.Name, "hwaddr", net.HardwareAddr(dev.HWAddr[:]), "addr", s.addr)
	return nil
}

// Unregister detaches a device, dropping any frames queued for it.
func (s *Stack) Unregister(dev *netdev.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[dev]; !ok {
		return pkg.ErrNoDevice
	}
	delete(s.devices, dev)
	delete(s.outq, dev)

	pkg.LogInfo(pkg.ComponentStack, "device unregistered", "name", dev.Name)
	return nil
}

// InputARP processes the ARP packet staged in the device buffer. A request
// for the stack's address leaves a reply in the buffer; anything else is
// consumed silently.
func (s *Stack) InputARP(dev *netdev.Device) error {
	s.counters.Received++

	pkt := gopacket.NewPacket(dev.Buf[:dev.Len], layers.LayerTypeEthernet, gopacket.Default)
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return s.drop(dev, "not an ARP packet")
	}
	arp := arpLayer.(*layers.ARP)

	target, ok := netip.AddrFromSlice(arp.DstProtAddress)
	if !ok || arp.Operation != layers.ARPRequest || target != s.addr {
		return s.drop(dev, "ARP not for us")
	}

	eth := layers.Ethernet{
		SrcMAC:       net.HardwareAddr(dev.HWAddr[:]),
		DstMAC:       net.HardwareAddr(arp.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	reply := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   dev.HWAddr[:],
		SourceProtAddress: s.addr.AsSlice(),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}
	if err := s.stageReply(dev, &eth, &reply); err != nil {
		return err
	}

	s.counters.ARPReplies++
	pkg.LogDebug(pkg.ComponentStack, "ARP reply staged",
		"name", dev.Name, "peer", net.HardwareAddr(arp.SourceHwAddress))
	return nil
}

// InputIPv4 processes the IPv4 packet staged in the device buffer. An
// ICMPv4 echo request for the stack's address leaves an echo reply in the
// buffer; anything else is consumed silently.
func (s *Stack) InputIPv4(dev *netdev.Device) error {
	s.counters.Received++

	pkt := gopacket.NewPacket(dev.Buf[:dev.Len], layers.LayerTypeEthernet, gopacket.Default)
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	if ethLayer == nil || ipLayer == nil || icmpLayer == nil {
		return s.drop(dev, "not an ICMPv4 packet")
	}
	eth := ethLayer.(*layers.Ethernet)
	ip := ipLayer.(*layers.IPv4)
	icmp := icmpLayer.(*layers.ICMPv4)

	if !ip.DstIP.Equal(net.IP(s.addr.AsSlice())) ||
		icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return s.drop(dev, "ICMPv4 not an echo request for us")
	}

	ethReply := layers.Ethernet{
		SrcMAC:       net.HardwareAddr(dev.HWAddr[:]),
		DstMAC:       eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipReply := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(s.addr.AsSlice()),
		DstIP:    ip.SrcIP,
	}
	icmpReply := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	if err := s.stageReply(dev, &ethReply, &ipReply, &icmpReply,
		gopacket.Payload(icmp.Payload)); err != nil {
		return err
	}

	s.counters.EchoReplies++
	pkg.LogDebug(pkg.ComponentStack, "echo reply staged",
		"name", dev.Name, "id", icmp.Id, "seq", icmp.Seq)
	return nil
}

// InputIPv6 consumes the IPv6 packet staged in the device buffer. The
// stack speaks no IPv6; the packet is counted and dropped.
func (s *Stack) InputIPv6(dev *netdev.Device) error {
	s.counters.Received++
	return s.drop(dev, "IPv6 not supported")
}

// Poll offers queued outgoing frames to fn, one at a time, until fn
// returns true or the queue drains. A frame declined by fn is dropped.
func (s *Stack) Poll(dev *netdev.Device, fn netdev.PollFunc) {
	for len(s.outq[dev]) > 0 {
		frame := s.outq[dev][0]
		s.outq[dev] = s.outq[dev][1:]

		dev.Len = copy(dev.Buf, frame)
		s.counters.Sent++
		if fn(dev) {
			return
		}
	}
}

// Send queues a stack-originated frame for transmission on dev and kicks
// the device driver. The frame is copied.
func (s *Stack) Send(dev *netdev.Device, frame []byte) error {
	if len(frame) > netdev.MaxFrameSize {
		return pkg.ErrInvalidParameter
	}

	s.mu.Lock()
	if _, ok := s.devices[dev]; !ok {
		s.mu.Unlock()
		return pkg.ErrNoDevice
	}
	if len(s.outq[dev]) >= outQueueDepth {
		s.mu.Unlock()
		return pkg.ErrNoResources
	}
	s.outq[dev] = append(s.outq[dev], append([]byte(nil), frame...))
	s.mu.Unlock()

	// The kick happens outside the lock: the driver's poll worker takes
	// the stack lock when it runs.
	if dev.Driver != nil {
		return dev.Driver.TxAvailable(dev)
	}
	return nil
}

// Counters returns a snapshot of the stack's activity counters.
func (s *Stack) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Device returns the registered device with the given name, or nil.
func (s *Stack) Device(name string) *netdev.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dev := range s.devices {
		if dev.Name == name {
			return dev
		}
	}
	return nil
}

// drop consumes the staged frame without replying.
func (s *Stack) drop(dev *netdev.Device, reason string) error {
	dev.Len = 0
	s.counters.Dropped++
	pkg.LogDebug(pkg.ComponentStack, "frame dropped", "name", dev.Name, "reason", reason)
	return nil
}

// stageReply serializes the reply layers into the device buffer for the
// caller to transmit under the held stack lock.
func (s *Stack) stageReply(dev *netdev.Device, reply ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, reply...); err != nil {
		dev.Len = 0
		s.counters.Dropped++
		pkg.LogError(pkg.ComponentStack, "reply serialization failed",
			"name", dev.Name, "error", err)
		return err
	}

	frame := buf.Bytes()
	if len(frame) > len(dev.Buf) {
		dev.Len = 0
		s.counters.Dropped++
		return pkg.ErrBufferTooSmall
	}
	dev.Len = copy(dev.Buf, frame)
	return nil
}

var _ netdev.Stack = (*Stack)(nil)

package cdcecm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ardnew/softeth/netdev"
	"github.com/ardnew/softeth/pkg"
	"github.com/ardnew/softeth/usb"
	"github.com/ardnew/softeth/usb/hal"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEndpoint records endpoint interactions. Submitted requests stay
// pending until the test completes them or Disable retires them.
type fakeEndpoint struct {
	mu           sync.Mutex
	address      uint8
	attributes   uint8
	configured   []usb.EndpointDescriptor
	configureErr error
	submitErr    error
	pending      []*hal.Request
	submitted    int
	history      [][]byte
	disabled     int
	stalled      int
}

func newFakeEndpoint(address uint8) *fakeEndpoint {
	return &fakeEndpoint{address: address}
}

func (e *fakeEndpoint) Address() uint8 { return e.address }

func (e *fakeEndpoint) Configure(desc *usb.EndpointDescriptor) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.configureErr != nil {
		return e.configureErr
	}
	e.configured = append(e.configured, *desc)
	return nil
}

func (e *fakeEndpoint) Submit(req *hal.Request) error {
	e.mu.Lock()
	if e.submitErr != nil {
		e.mu.Unlock()
		return e.submitErr
	}
	e.submitted++
	e.history = append(e.history, append([]byte(nil), req.Buffer[:req.Length]...))
	e.pending = append(e.pending, req)
	e.mu.Unlock()
	return nil
}

func (e *fakeEndpoint) Disable() error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.disabled++
	e.mu.Unlock()
	for _, req := range pending {
		req.Complete(e, pkg.TransferStatusShutdown, 0)
	}
	return nil
}

func (e *fakeEndpoint) Stall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled++
	return nil
}

// complete finishes the oldest pending request with the given outcome.
func (e *fakeEndpoint) complete(t *testing.T, status pkg.TransferStatus, n int) *hal.Request {
	t.Helper()
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		t.Fatalf("endpoint %#x has no pending request", e.address)
	}
	req := e.pending[0]
	e.pending = e.pending[1:]
	e.mu.Unlock()
	req.Complete(e, status, n)
	return req
}

func (e *fakeEndpoint) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *fakeEndpoint) submitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

func (e *fakeEndpoint) configureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.configured)
}

func (e *fakeEndpoint) disabledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disabled
}

func (e *fakeEndpoint) lastConfigured(t *testing.T) usb.EndpointDescriptor {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.configured) == 0 {
		t.Fatalf("endpoint %#x was never configured", e.address)
	}
	return e.configured[len(e.configured)-1]
}

func (e *fakeEndpoint) payload(t *testing.T, i int) []byte {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.history) {
		t.Fatalf("endpoint %#x has %d submissions, want index %d", e.address, len(e.history), i)
	}
	return e.history[i]
}

// fakeController hands out fake endpoints and tracks device-level calls.
type fakeController struct {
	mu          sync.Mutex
	speed       usb.Speed
	ep0         *fakeEndpoint
	endpoints   map[uint8]*fakeEndpoint
	allocErr    map[uint8]error
	freed       []uint8
	fn          hal.Function
	connected   bool
	selfPowered bool
}

func newFakeController(speed usb.Speed) *fakeController {
	return &fakeController{
		speed:     speed,
		ep0:       newFakeEndpoint(0),
		endpoints: make(map[uint8]*fakeEndpoint),
		allocErr:  make(map[uint8]error),
	}
}

func (c *fakeController) EP0() hal.Endpoint { return c.ep0 }

func (c *fakeController) Speed() usb.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

func (c *fakeController) setSpeed(speed usb.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
}

func (c *fakeController) AllocEndpoint(address, attributes uint8) (hal.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.allocErr[address]; err != nil {
		return nil, err
	}
	ep := newFakeEndpoint(address)
	ep.attributes = attributes
	c.endpoints[address] = ep
	return ep, nil
}

func (c *fakeController) FreeEndpoint(ep hal.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freed = append(c.freed, ep.Address())
	delete(c.endpoints, ep.Address())
}

func (c *fakeController) Register(fn hal.Function) error {
	c.fn = fn
	return fn.Bind(c)
}

func (c *fakeController) Unregister(fn hal.Function) error {
	fn.Unbind(c)
	c.fn = nil
	return nil
}

func (c *fakeController) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *fakeController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeController) SetSelfPowered(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfPowered = v
}

func (c *fakeController) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// endpoint returns the allocated fake endpoint with the given address.
func (c *fakeController) endpoint(t *testing.T, address uint8) *fakeEndpoint {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.endpoints[address]
	if !ok {
		t.Fatalf("endpoint %#x not allocated", address)
	}
	return ep
}

// fakeStack is a minimal netdev.Stack. Input calls count frames and
// optionally leave a canned reply in the device buffer; Poll offers queued
// outgoing frames. Input and Poll run with the stack lock already held, so
// they must not take it again.
type fakeStack struct {
	mu       sync.Mutex
	devices  map[string]*netdev.Device
	ipv4     int
	ipv6     int
	arp      int
	inputErr error
	reply    []byte
	out      [][]byte
}

func newFakeStack() *fakeStack {
	return &fakeStack{devices: make(map[string]*netdev.Device)}
}

func (s *fakeStack) Lock()   { s.mu.Lock() }
func (s *fakeStack) Unlock() { s.mu.Unlock() }

func (s *fakeStack) Register(dev *netdev.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.Name] = dev
	return nil
}

func (s *fakeStack) Unregister(dev *netdev.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, dev.Name)
	return nil
}

func (s *fakeStack) InputIPv4(dev *netdev.Device) error { s.ipv4++; return s.consume(dev) }
func (s *fakeStack) InputIPv6(dev *netdev.Device) error { s.ipv6++; return s.consume(dev) }
func (s *fakeStack) InputARP(dev *netdev.Device) error  { s.arp++; return s.consume(dev) }

func (s *fakeStack) consume(dev *netdev.Device) error {
	if s.inputErr != nil {
		dev.Len = 0
		return s.inputErr
	}
	if s.reply == nil {
		dev.Len = 0
		return nil
	}
	dev.Len = copy(dev.Buf, s.reply)
	return nil
}

func (s *fakeStack) Poll(dev *netdev.Device, fn netdev.PollFunc) {
	for len(s.out) > 0 {
		frame := s.out[0]
		s.out = s.out[1:]
		dev.Len = copy(dev.Buf, frame)
		if fn(dev) {
			return
		}
	}
}

func (s *fakeStack) counts() (ipv4, ipv6, arp int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ipv4, s.ipv6, s.arp
}

func (s *fakeStack) setReply(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = append([]byte(nil), frame...)
}

func (s *fakeStack) queueOutgoing(frames ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, frame := range frames {
		s.out = append(s.out, append([]byte(nil), frame...))
	}
}

func (s *fakeStack) outgoingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.out)
}

func (s *fakeStack) device(name string) *netdev.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[name]
}

// fakeSubmitter stands in for a composite parent's EP0 path.
type fakeSubmitter struct {
	ep0 *fakeEndpoint
	err error
}

func (s *fakeSubmitter) SubmitEP0(req *hal.Request) error {
	if s.err != nil {
		return s.err
	}
	return s.ep0.Submit(req)
}

// newTestDriver builds a driver over a fresh fake stack and tears it down
// with the test.
func newTestDriver(t *testing.T, cfg Config) (*Driver, *fakeStack) {
	t.Helper()
	fs := newFakeStack()
	if cfg.Stack == nil {
		cfg.Stack = fs
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		if err := d.Uninitialize(); err != nil {
			t.Errorf("Uninitialize() = %v", err)
		}
	})
	return d, fs
}

// bindTestDriver registers the driver with a fake controller enumerated at
// the given speed.
func bindTestDriver(t *testing.T, d *Driver, speed usb.Speed) *fakeController {
	t.Helper()
	ctrl := newFakeController(speed)
	if err := ctrl.Register(d); err != nil {
		t.Fatalf("Register() = %v", err)
	}
	return ctrl
}

// configure drives SET_CONFIGURATION(1) through the dispatcher and
// completes the status reply.
func configure(t *testing.T, d *Driver, ctrl *fakeController) {
	t.Helper()
	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, ConfigID)
	if _, err := d.Setup(&setup, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION(%d) = %v", ConfigID, err)
	}
	ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 0)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresStack(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("New(Config{}) = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestNew_Defaults(t *testing.T) {
	_, fs := newTestDriver(t, Config{})

	dev := fs.device(DefaultName)
	if dev == nil {
		t.Fatalf("device %q not registered", DefaultName)
	}
	if dev.HWAddr != DefaultMAC {
		t.Errorf("hardware address = %x, want %x", dev.HWAddr, DefaultMAC)
	}
	if len(dev.Buf) != netdev.MaxFrameSize+netdev.GuardSize {
		t.Errorf("buffer size = %d, want %d", len(dev.Buf), netdev.MaxFrameSize+netdev.GuardSize)
	}
	if dev.IsUp() {
		t.Error("new device reports up before configuration")
	}
}

func TestDriver_Bind(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	if !ctrl.isConnected() {
		t.Error("standalone bind did not connect")
	}
	if !ctrl.selfPowered {
		t.Error("standalone bind did not declare self-powered")
	}

	intIn := ctrl.endpoint(t, usb.EndpointDirectionIn|1)
	if intIn.attributes != usb.EndpointTypeInterrupt {
		t.Errorf("interrupt-IN attributes = %#x, want %#x", intIn.attributes, usb.EndpointTypeInterrupt)
	}
	bulkIn := ctrl.endpoint(t, usb.EndpointDirectionIn|2)
	if bulkIn.attributes != usb.EndpointTypeBulk {
		t.Errorf("bulk-IN attributes = %#x, want %#x", bulkIn.attributes, usb.EndpointTypeBulk)
	}
	ctrl.endpoint(t, 3)
}

func TestDriver_BindCompositeSkipsConnect(t *testing.T) {
	d, _ := newTestDriver(t, Config{
		Composite: &fakeSubmitter{ep0: newFakeEndpoint(0)},
	})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	if ctrl.isConnected() {
		t.Error("composite bind connected; that is the parent's job")
	}
}

func TestDriver_BindAllocFailureUnwinds(t *testing.T) {
	d, _ := newTestDriver(t, Config{})

	ctrl := newFakeController(usb.SpeedHigh)
	ctrl.allocErr[3] = pkg.ErrNoResources // bulk-OUT

	if err := ctrl.Register(d); !errors.Is(err, pkg.ErrNoResources) {
		t.Fatalf("Register() = %v, want %v", err, pkg.ErrNoResources)
	}
	if ctrl.isConnected() {
		t.Error("failed bind left the device connected")
	}
	if len(ctrl.freed) != 2 {
		t.Errorf("freed %d endpoints, want the 2 allocated before the failure", len(ctrl.freed))
	}
}

func TestDriver_SetConfiguration(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	configure(t, d, ctrl)

	dev := fs.device(DefaultName)
	if !dev.IsUp() {
		t.Error("device not up after SET_CONFIGURATION")
	}

	bulkOut := ctrl.endpoint(t, 3)
	if got := bulkOut.pendingCount(); got != 1 {
		t.Errorf("bulk-OUT pending reads = %d, want 1", got)
	}

	bulkIn := ctrl.endpoint(t, usb.EndpointDirectionIn|2)
	if desc := bulkIn.lastConfigured(t); desc.MaxPacketSize != 512 {
		t.Errorf("bulk-IN configured at %d bytes, want 512 for high speed", desc.MaxPacketSize)
	}
	intIn := ctrl.endpoint(t, usb.EndpointDirectionIn|1)
	if desc := intIn.lastConfigured(t); desc.MaxPacketSize != intInPacketSize || desc.Interval != intInInterval {
		t.Errorf("interrupt-IN configured as %+v", desc)
	}
}

func TestDriver_SetConfigurationIdempotent(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	configure(t, d, ctrl)
	configure(t, d, ctrl)

	bulkOut := ctrl.endpoint(t, 3)
	if got := bulkOut.configureCount(); got != 1 {
		t.Errorf("bulk-OUT configured %d times, want 1", got)
	}
	if got := bulkOut.submitCount(); got != 1 {
		t.Errorf("read submitted %d times, want 1", got)
	}
}

func TestDriver_SetConfigurationInvalid(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, 7)
	if _, err := d.Setup(&setup, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Fatalf("SET_CONFIGURATION(7) = %v, want %v", err, pkg.ErrInvalidParameter)
	}

	// The reset to unconfigured still happened.
	if fs.device(DefaultName).IsUp() {
		t.Error("device still up after invalid configuration value")
	}
	if got := ctrl.ep0.pendingCount(); got != 0 {
		t.Errorf("stalled request queued %d replies, want 0", got)
	}
}

func TestDriver_SetConfigurationZero(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	bulkOut := ctrl.endpoint(t, 3)

	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, ConfigIDNone)
	if _, err := d.Setup(&setup, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION(0) = %v", err)
	}
	ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 0)

	if fs.device(DefaultName).IsUp() {
		t.Error("device still up after deconfiguration")
	}
	if got := bulkOut.disabledCount(); got != 1 {
		t.Errorf("bulk-OUT disabled %d times, want 1", got)
	}
	if got := bulkOut.pendingCount(); got != 0 {
		t.Errorf("pending reads after disable = %d, want 0", got)
	}
}

func TestDriver_ResetRepeatable(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	bulkOut := ctrl.endpoint(t, 3)
	for i := 0; i < 3; i++ {
		var setup usb.SetupPacket
		usb.GetSetConfigurationSetup(&setup, ConfigIDNone)
		if _, err := d.Setup(&setup, nil); err != nil {
			t.Fatalf("SET_CONFIGURATION(0) pass %d = %v", i, err)
		}
		ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 0)

		if fs.device(DefaultName).IsUp() {
			t.Errorf("pass %d: device up", i)
		}
	}

	// Repeats are no-ops once unconfigured, not repeated teardowns.
	if got := bulkOut.disabledCount(); got != 1 {
		t.Errorf("bulk-OUT disabled %d times, want 1", got)
	}
}

func TestDriver_ConfigureFailureUnwinds(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	bulkIn := ctrl.endpoint(t, usb.EndpointDirectionIn|2)
	bulkIn.configureErr = pkg.ErrInvalidEndpoint

	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, ConfigID)
	if _, err := d.Setup(&setup, nil); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Fatalf("SET_CONFIGURATION = %v, want %v", err, pkg.ErrInvalidEndpoint)
	}

	if fs.device(DefaultName).IsUp() {
		t.Error("device up after failed configuration")
	}
	intIn := ctrl.endpoint(t, usb.EndpointDirectionIn|1)
	if got := intIn.disabledCount(); got == 0 {
		t.Error("interrupt-IN not disabled by the unwind")
	}
}

func TestDriver_InitialReadSubmitFailureUnwinds(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	bulkOut := ctrl.endpoint(t, 3)
	bulkOut.submitErr = pkg.ErrShutdown

	var setup usb.SetupPacket
	usb.GetSetConfigurationSetup(&setup, ConfigID)
	if _, err := d.Setup(&setup, nil); !errors.Is(err, pkg.ErrShutdown) {
		t.Fatalf("SET_CONFIGURATION = %v, want %v", err, pkg.ErrShutdown)
	}
	if fs.device(DefaultName).IsUp() {
		t.Error("device up after failed initial read")
	}
}

func TestDriver_SetInterface(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	var setup usb.SetupPacket
	usb.GetSetInterfaceSetup(&setup, 1, 1)
	if _, err := d.Setup(&setup, nil); err != nil {
		t.Fatalf("SET_INTERFACE = %v", err)
	}
	ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 0)

	if !fs.device(DefaultName).IsRunning() {
		t.Error("device not running after SET_INTERFACE")
	}
}

func TestDriver_SetPacketFilter(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	setup := usb.SetupPacket{
		RequestType: usb.RequestDirectionHostToDevice | usb.RequestTypeClass | usb.RequestRecipientInterface,
		Request:     RequestSetEthernetPacketFilter,
		Value:       PacketTypeDirected | PacketTypeBroadcast,
	}
	n, err := d.Setup(&setup, nil)
	if err != nil {
		t.Fatalf("SET_ETHERNET_PACKET_FILTER = %v", err)
	}
	if n != 0 {
		t.Errorf("reply length = %d, want 0", n)
	}
	ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 0)
}

func TestDriver_UnsupportedRequests(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	var status usb.SetupPacket
	usb.GetStatusSetup(&status, usb.RequestRecipientDevice, 0)

	tests := []struct {
		name  string
		setup usb.SetupPacket
	}{
		{"standard get-status", status},
		{"unknown class request", usb.SetupPacket{
			RequestType: usb.RequestDirectionHostToDevice | usb.RequestTypeClass | usb.RequestRecipientInterface,
			Request:     0x99,
		}},
		{"vendor request", usb.SetupPacket{
			RequestType: usb.RequestDirectionDeviceToHost | usb.RequestTypeVendor | usb.RequestRecipientDevice,
			Request:     0x01,
			Length:      4,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Setup(&tt.setup, nil); !errors.Is(err, pkg.ErrNotSupported) {
				t.Errorf("Setup() = %v, want %v", err, pkg.ErrNotSupported)
			}
			if got := ctrl.ep0.pendingCount(); got != 0 {
				t.Errorf("stalled request queued %d replies, want 0", got)
			}
		})
	}
}

func TestDriver_GetDescriptorReplyClamped(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, usb.DescriptorTypeDevice, 0, 8)

	n, err := d.Setup(&setup, nil)
	if err != nil {
		t.Fatalf("GET_DESCRIPTOR = %v", err)
	}
	if n != 8 {
		t.Errorf("queued reply length = %d, want 8", n)
	}

	req := ctrl.ep0.complete(t, pkg.TransferStatusSuccess, 8)
	if req.Flags&hal.RequestFlagShortTerminate == 0 {
		t.Error("control reply missing short-terminate flag")
	}
	// The clamp shortens the transfer, not the descriptor: the length
	// byte still announces the full size.
	if got := ctrl.ep0.payload(t, 0); len(got) != 8 || got[0] != usb.DeviceDescriptorSize {
		t.Errorf("reply payload = % x", got)
	}
}

func TestDriver_GetDescriptorTracksSpeed(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedFull)

	ctrl.setSpeed(usb.SpeedHigh)

	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, usb.DescriptorTypeConfiguration, 0, MaxDescriptorLength)
	n, err := d.Setup(&setup, nil)
	if err != nil {
		t.Fatalf("GET_DESCRIPTOR = %v", err)
	}
	ctrl.ep0.complete(t, pkg.TransferStatusSuccess, n)

	descs := descriptors(t, ctrl.ep0.payload(t, 0))
	bulkIn := findEndpoint(t, descs, usb.EndpointDirectionIn|2)
	if bulkIn.MaxPacketSize != 512 {
		t.Errorf("bulk-IN max packet = %d, want 512 after speed change", bulkIn.MaxPacketSize)
	}
}

func TestDriver_UnknownDescriptorTypeLeavesStateAlone(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, 0x29, 0, 64)
	if _, err := d.Setup(&setup, nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Fatalf("GET_DESCRIPTOR(0x29) = %v, want %v", err, pkg.ErrNotSupported)
	}

	if !fs.device(DefaultName).IsUp() {
		t.Error("device no longer up after unsupported descriptor request")
	}
	bulkOut := ctrl.endpoint(t, 3)
	if got := bulkOut.pendingCount(); got != 1 {
		t.Errorf("pending reads = %d, want 1", got)
	}
}

func TestDriver_EP0SubmitFailure(t *testing.T) {
	d, _ := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	ctrl.ep0.submitErr = pkg.ErrBusy

	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, usb.DescriptorTypeDevice, 0, 64)
	if _, err := d.Setup(&setup, nil); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("Setup() = %v, want %v", err, pkg.ErrBusy)
	}
}

func TestDriver_CompositeRepliesThroughParent(t *testing.T) {
	parent := &fakeSubmitter{ep0: newFakeEndpoint(0)}
	d, _ := newTestDriver(t, Config{
		Info:      DeviceInfo{InterfaceBase: 2, StringBase: 6},
		Composite: parent,
	})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)

	var setup usb.SetupPacket
	usb.GetDescriptorSetup(&setup, usb.DescriptorTypeConfiguration, 0, MaxDescriptorLength)
	if _, err := d.Setup(&setup, nil); err != nil {
		t.Fatalf("GET_DESCRIPTOR = %v", err)
	}

	if got := ctrl.ep0.pendingCount(); got != 0 {
		t.Errorf("composite reply used the controller EP0 (%d pending)", got)
	}
	if got := parent.ep0.pendingCount(); got != 1 {
		t.Fatalf("parent EP0 pending = %d, want 1", got)
	}
	parent.ep0.complete(t, pkg.TransferStatusSuccess, 0)
}

func TestDriver_DisconnectResets(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	d.Disconnect()

	if fs.device(DefaultName).IsUp() {
		t.Error("device up after disconnect")
	}
	bulkOut := ctrl.endpoint(t, 3)
	if got := bulkOut.pendingCount(); got != 0 {
		t.Errorf("pending reads after disconnect = %d, want 0", got)
	}
}

func TestDriver_UnbindFreesEndpoints(t *testing.T) {
	d, fs := newTestDriver(t, Config{})
	ctrl := bindTestDriver(t, d, usb.SpeedHigh)
	configure(t, d, ctrl)

	if err := ctrl.Unregister(d); err != nil {
		t.Fatalf("Unregister() = %v", err)
	}

	if len(ctrl.freed) != 3 {
		t.Errorf("freed %d endpoints, want 3", len(ctrl.freed))
	}
	if fs.device(DefaultName).IsUp() {
		t.Error("device up after unbind")
	}

	// A second unbind finds nothing left to release.
	d.Unbind(ctrl)
	if len(ctrl.freed) != 3 {
		t.Errorf("second unbind freed more endpoints: %d", len(ctrl.freed))
	}
}

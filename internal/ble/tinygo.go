package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/fakeagent/internal/ble/protocol"
)

// TinyGoOptions configures the tinygo-org/bluetooth adapter.
type TinyGoOptions struct {
	ConnectTimeout    time.Duration // passed to the stack's Connect
	WriteWithResponse bool          // use ATT write requests instead of write commands
}

// DefaultTinyGoOptions returns sensible defaults.
func DefaultTinyGoOptions() TinyGoOptions {
	return TinyGoOptions{
		ConnectTimeout:    10 * time.Second,
		WriteWithResponse: true,
	}
}

type serviceKey struct {
	peripheral string
	uuid       string
}

// radioScanner is the scanning half of *bluetooth.Adapter.
type radioScanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// stopScanWait bounds how long StopScan waits for the scan loop to exit.
const stopScanWait = 2 * time.Second

type charKey struct {
	peripheral string
	uuid       string
}

// TinyGoAdapter implements Adapter on top of tinygo-org/bluetooth. The
// library calls block, so each one runs on its own goroutine and reports
// back through the sink.
//
// On macOS, peripheral IDs are CoreBluetooth UUIDs rather than MAC
// addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	scanner radioScanner
	opts    TinyGoOptions

	// mu protects everything below.
	mu         sync.Mutex
	sink       func(Event)
	scanning   bool
	scanDone   chan struct{}   // closed when the running scan loop exits
	connecting map[string]bool // in-flight connects; true once cancelled
	devices    map[string]bluetooth.Device
	services map[serviceKey]bluetooth.DeviceService
	chars    map[charKey]bluetooth.DeviceCharacteristic
}

// NewTinyGoAdapter creates an adapter using the system default radio.
func NewTinyGoAdapter(opts TinyGoOptions) *TinyGoAdapter {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultTinyGoOptions().ConnectTimeout
	}
	if opts.WriteWithResponse && !writeWithResponseSupported {
		slog.Warn("[BLE] write with response is not supported on this platform, using write without response")
		opts.WriteWithResponse = false
	}
	return &TinyGoAdapter{
		adapter:    bluetooth.DefaultAdapter,
		scanner:    bluetooth.DefaultAdapter,
		opts:       opts,
		connecting: make(map[string]bool),
		devices:    make(map[string]bluetooth.Device),
		services:   make(map[serviceKey]bluetooth.DeviceService),
		chars:      make(map[charKey]bluetooth.DeviceCharacteristic),
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) emit(ev Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// Enable powers up the radio. The stack has no power-state callbacks, so a
// successful Enable is reported as PoweredOn and a failure as PoweredOff.
func (a *TinyGoAdapter) Enable(sink func(Event)) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	if err := a.adapter.Enable(); err != nil {
		a.emit(PowerStateChanged{State: PoweredOff})
		return fmt.Errorf("ble: enable: %w", err)
	}

	// The stack reports dropped links through the adapter-wide connect
	// handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		_, known := a.devices[id]
		a.forget(id)
		a.mu.Unlock()
		if known {
			a.emit(Disconnected{Peripheral: Peripheral{ID: id}})
		}
	})

	a.emit(PowerStateChanged{State: PoweredOn})
	return nil
}

func (a *TinyGoAdapter) Scan(serviceUUID string) error {
	filter, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return ErrScanInProgress
	}
	done := make(chan struct{})
	a.scanning = true
	a.scanDone = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		err := a.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(filter) {
				return
			}
			a.emit(PeripheralDiscovered{Peripheral: Peripheral{
				ID:   result.Address.String(),
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			}})
		})
		a.mu.Lock()
		if a.scanDone == done {
			a.scanning = false
			a.scanDone = nil
		}
		a.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "service", protocol.LabelString(serviceUUID), "error", err)
		}
	}()
	return nil
}

// StopScan stops the running scan and waits for its loop to exit, so a
// Scan issued right after it is not refused.
func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	scanning, done := a.scanning, a.scanDone
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := a.scanner.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}

	select {
	case <-done:
	case <-time.After(stopScanWait):
		slog.Warn("[BLE] scan loop did not exit after stop", "wait", stopScanWait)
		a.mu.Lock()
		if a.scanDone == done {
			a.scanning = false
			a.scanDone = nil
		}
		a.mu.Unlock()
	}
	return nil
}

func (a *TinyGoAdapter) Connect(p Peripheral) error {
	var addr bluetooth.Address
	addr.Set(p.ID)
	params := bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(a.opts.ConnectTimeout),
	}

	a.mu.Lock()
	a.connecting[p.ID] = false
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, params)
		a.mu.Lock()
		cancelled := a.connecting[p.ID]
		delete(a.connecting, p.ID)
		if err == nil && !cancelled {
			a.devices[p.ID] = device
		}
		a.mu.Unlock()

		if cancelled {
			if err == nil {
				slog.Info("[BLE] closing connection cancelled while opening", "peripheral", p.ID)
				if err := device.Disconnect(); err != nil {
					slog.Warn("[BLE] disconnect failed", "peripheral", p.ID, "error", err)
				}
			}
			return
		}
		if err != nil {
			a.emit(Connected{Peripheral: p, Err: fmt.Errorf("ble: connect to %s: %w", p.ID, err)})
			return
		}
		a.emit(Connected{Peripheral: p})
	}()
	return nil
}

func (a *TinyGoAdapter) DiscoverServices(p Peripheral, serviceUUIDs []string) error {
	a.mu.Lock()
	device, ok := a.devices[p.ID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.ID)
	}

	filter := make([]bluetooth.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = append(filter, u)
	}

	go func() {
		svcs, err := device.DiscoverServices(filter)
		if err != nil {
			a.emit(ServicesDiscovered{Peripheral: p, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		found := make([]Service, 0, len(svcs))
		a.mu.Lock()
		for _, svc := range svcs {
			s := Service{PeripheralID: p.ID, UUID: svc.UUID().String()}
			a.services[serviceKey{p.ID, s.UUID}] = svc
			found = append(found, s)
		}
		a.mu.Unlock()
		a.emit(ServicesDiscovered{Peripheral: p, Services: found})
	}()
	return nil
}

func (a *TinyGoAdapter) DiscoverCharacteristics(s Service) error {
	a.mu.Lock()
	svc, ok := a.services[serviceKey{s.PeripheralID, s.UUID}]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, s.UUID)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			a.emit(CharacteristicsDiscovered{Service: s, Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		found := make([]Characteristic, 0, len(chars))
		a.mu.Lock()
		for _, ch := range chars {
			c := Characteristic{PeripheralID: s.PeripheralID, ServiceUUID: s.UUID, UUID: ch.UUID().String()}
			a.chars[charKey{s.PeripheralID, c.UUID}] = ch
			found = append(found, c)
		}
		a.mu.Unlock()
		a.emit(CharacteristicsDiscovered{Service: s, Characteristics: found})
	}()
	return nil
}

func (a *TinyGoAdapter) characteristic(c Characteristic) (bluetooth.DeviceCharacteristic, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.chars[charKey{c.PeripheralID, c.UUID}]
	if !ok {
		return ch, fmt.Errorf("%w: %s", ErrUnknownCharacteristic, c.UUID)
	}
	return ch, nil
}

func (a *TinyGoAdapter) Write(c Characteristic, data []byte) error {
	ch, err := a.characteristic(c)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)

	go func() {
		err := writeCharacteristic(ch, buf, a.opts.WriteWithResponse)
		if err != nil {
			err = fmt.Errorf("ble: write %s: %w", protocol.LabelString(c.UUID), err)
		}
		a.emit(WriteCompleted{Characteristic: c, Err: err})
	}()
	return nil
}

func (a *TinyGoAdapter) Read(c Characteristic) error {
	ch, err := a.characteristic(c)
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, protocol.MaxFrameBytes)
		n, err := ch.Read(buf)
		if err != nil {
			a.emit(ValueUpdated{Characteristic: c, Err: fmt.Errorf("ble: read %s: %w", protocol.LabelString(c.UUID), err)})
			return
		}
		a.emit(ValueUpdated{Characteristic: c, Value: buf[:n]})
	}()
	return nil
}

// Disconnect closes the link to p. A connect still in flight is cancelled
// and its link closed as soon as it opens.
func (a *TinyGoAdapter) Disconnect(p Peripheral) error {
	a.mu.Lock()
	if _, inflight := a.connecting[p.ID]; inflight {
		a.connecting[p.ID] = true
		a.mu.Unlock()
		return nil
	}
	device, ok := a.devices[p.ID]
	a.forget(p.ID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.ID)
	}
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", p.ID, err)
	}
	return nil
}

// forget drops every handle belonging to peripheral id (caller must hold mu).
func (a *TinyGoAdapter) forget(id string) {
	delete(a.devices, id)
	for k := range a.services {
		if k.peripheral == id {
			delete(a.services, k)
		}
	}
	for k := range a.chars {
		if k.peripheral == id {
			delete(a.chars, k)
		}
	}
}

// Package ble drives the enrollment and authentication exchange with an
// agent peripheral over Bluetooth Low Energy. The Engine owns the session
// state machine; the radio is reached through the Adapter interface.
package ble

import (
	"errors"
	"fmt"
)

// Errors returned by Adapter implementations.
var (
	ErrNotConnected          = errors.New("ble: peripheral not connected")
	ErrUnknownService        = errors.New("ble: unknown service")
	ErrUnknownCharacteristic = errors.New("ble: unknown characteristic")
	ErrScanInProgress        = errors.New("ble: scan already in progress")
)

// PowerState is the radio state last reported by the adapter.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PoweredOff
	PoweredOn
)

func (p PowerState) String() string {
	switch p {
	case PoweredOn:
		return "PoweredOn"
	case PoweredOff:
		return "PoweredOff"
	case PowerUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("PowerState(%d)", int(p))
	}
}

// Peripheral is a discovered BLE peripheral. ID is the platform address:
// a MAC on Linux and Windows, a CoreBluetooth UUID on macOS.
type Peripheral struct {
	ID   string
	Name string
	RSSI int
}

// Service is a GATT service on a connected peripheral.
type Service struct {
	PeripheralID string
	UUID         string
}

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic struct {
	PeripheralID string
	ServiceUUID  string
	UUID         string
}

// Adapter abstracts the BLE radio for the engine. Every call only starts an
// operation; its outcome is delivered later as an Event through the sink
// passed to Enable. A non-nil error return means the operation never started
// and no event will follow.
type Adapter interface {
	// Enable registers sink and powers up the radio. Power state changes are
	// delivered as PowerStateChanged events.
	Enable(sink func(Event)) error
	// Scan looks for peripherals advertising serviceUUID and reports each
	// one as PeripheralDiscovered until StopScan.
	Scan(serviceUUID string) error
	// StopScan ends a scan started by Scan.
	StopScan() error
	// Connect opens a connection, reported as Connected.
	Connect(p Peripheral) error
	// DiscoverServices looks up the given services, reported as
	// ServicesDiscovered.
	DiscoverServices(p Peripheral, serviceUUIDs []string) error
	// DiscoverCharacteristics lists every characteristic of s, reported as
	// CharacteristicsDiscovered.
	DiscoverCharacteristics(s Service) error
	// Write writes data to c, acknowledged by WriteCompleted.
	Write(c Characteristic, data []byte) error
	// Read reads the value of c, delivered as ValueUpdated.
	Read(c Characteristic) error
	// Disconnect closes the connection to p.
	Disconnect(p Peripheral) error
}

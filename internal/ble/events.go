package ble

// Event is a notification consumed by the engine's dispatcher. The set is
// closed: only types in this package implement it.
type Event interface {
	isEvent()
}

// PowerStateChanged reports a radio power transition.
type PowerStateChanged struct {
	State PowerState
}

// PeripheralDiscovered reports an advertiser matching the scan filter.
type PeripheralDiscovered struct {
	Peripheral Peripheral
}

// Connected reports the outcome of Adapter.Connect.
type Connected struct {
	Peripheral Peripheral
	Err        error
}

// Disconnected reports a connection that dropped without being asked to.
type Disconnected struct {
	Peripheral Peripheral
	Err        error
}

// ServicesDiscovered reports the outcome of Adapter.DiscoverServices.
type ServicesDiscovered struct {
	Peripheral Peripheral
	Services   []Service
	Err        error
}

// CharacteristicsDiscovered reports the outcome of
// Adapter.DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Service         Service
	Characteristics []Characteristic
	Err             error
}

// WriteCompleted acknowledges Adapter.Write.
type WriteCompleted struct {
	Characteristic Characteristic
	Err            error
}

// ValueUpdated delivers the value requested by Adapter.Read.
type ValueUpdated struct {
	Characteristic Characteristic
	Value          []byte
	Err            error
}

// Engine-internal events posted by triggers and the scan timer.
type (
	enrollRequested struct{}
	authRequested   struct{}
	resetRequested  struct{}
	scanTimedOut    struct{ gen uint64 }
)

func (PowerStateChanged) isEvent()         {}
func (PeripheralDiscovered) isEvent()      {}
func (Connected) isEvent()                 {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (WriteCompleted) isEvent()            {}
func (ValueUpdated) isEvent()              {}
func (enrollRequested) isEvent()           {}
func (authRequested) isEvent()             {}
func (resetRequested) isEvent()            {}
func (scanTimedOut) isEvent()              {}

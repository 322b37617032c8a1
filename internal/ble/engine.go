package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/chaz8081/fakeagent/internal/ble/protocol"
)

// ErrAlreadyRunning is returned by Run when the engine's dispatcher is
// already running.
var ErrAlreadyRunning = errors.New("ble: engine already running")

// Options configures the session engine.
type Options struct {
	ScanTimeout time.Duration // how long a scan may run without a match
	QueueSize   int           // event queue capacity

	// AutoEnroll starts an enrollment flow whenever the radio turns on.
	AutoEnroll bool
	// TeardownOnTransportError disconnects and returns to idle when a write
	// or read fails. When false the session stalls busy until Reset.
	TeardownOnTransportError bool
	// Peripheral, when set, restricts connections to the advertiser with
	// this ID. Empty means the first advertiser wins.
	Peripheral string

	Clock   clock.Clock
	Logger  *slog.Logger
	OnStage func(protocol.Stage) // called on every stage change
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:              3 * time.Second,
		QueueSize:                64,
		AutoEnroll:               true,
		TeardownOnTransportError: true,
	}
}

// Outcome is how the most recent session ended.
type Outcome int

const (
	OutcomeNone      Outcome = iota // no session has ended yet, or one is running
	OutcomeCompleted                // final response received
	OutcomeTimedOut                 // scan found nothing in time
	OutcomeFailed                   // connect, discovery or transport error
	OutcomeStalled                  // transport error with teardown disabled
	OutcomeAborted                  // power loss or unexpected disconnect
	OutcomeReset                    // explicit Reset or engine shutdown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeCompleted:
		return "completed"
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeFailed:
		return "failed"
	case OutcomeStalled:
		return "stalled"
	case OutcomeAborted:
		return "aborted"
	case OutcomeReset:
		return "reset"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Status is a snapshot of the engine state, safe to read from any goroutine.
type Status struct {
	Busy       bool
	PoweredOn  bool
	Stage      protocol.Stage // meaningful only while Busy
	Service    string         // active service UUID while Busy
	Peripheral string         // connected peripheral ID, if any
	Outcome    Outcome
	Sessions   int // sessions started since the engine was created
}

// phase tracks which adapter notification the session is waiting for.
type phase int

const (
	phaseIdle phase = iota
	phaseScanning
	phaseConnecting
	phaseServices
	phaseCharacteristics
	phaseWriting
	phaseReading
	phaseStalled
)

func (p phase) String() string {
	return [...]string{"idle", "scanning", "connecting", "services", "characteristics", "writing", "reading", "stalled"}[p]
}

// session is the engine's mutable record. It is reset, never replaced, at
// the start of every flow and at every disconnect.
type session struct {
	stage     protocol.Stage
	busy      bool
	poweredOn bool
	service   uuid.UUID
	phase     phase
	scanning  bool

	peripheral   *Peripheral
	requestChar  *Characteristic
	responseChar *Characteristic
	pendingSvcs  int

	outcome  Outcome
	sessions int
}

// clearHandles drops the peripheral and characteristic handles.
func (s *session) clearHandles() {
	s.peripheral = nil
	s.requestChar = nil
	s.responseChar = nil
	s.pendingSvcs = 0
}

// Engine runs enrollment and authentication sessions against a single agent
// peripheral. All state transitions happen on the goroutine running Run;
// Enroll, Auth, Reset and adapter notifications only queue events.
type Engine struct {
	adapter Adapter
	opts    Options
	log     *slog.Logger

	events  chan Event
	done    chan struct{}
	running atomic.Bool
	status  atomic.Pointer[Status]

	s     session
	timer *scanTimer
}

// NewEngine creates an engine driving adapter. Zero option values are
// replaced by their defaults.
func NewEngine(adapter Adapter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		adapter: adapter,
		opts:    opts,
		log:     opts.Logger,
		events:  make(chan Event, opts.QueueSize),
		done:    make(chan struct{}),
	}
	e.timer = newScanTimer(opts.Clock, opts.ScanTimeout, e.Post)
	e.publish()
	return e
}

// Enroll starts the enrollment flow. It is ignored while a session is busy
// or the radio is off.
func (e *Engine) Enroll() { e.Post(enrollRequested{}) }

// Auth starts the authentication flow. It is ignored while a session is busy
// or the radio is off.
func (e *Engine) Auth() { e.Post(authRequested{}) }

// Reset abandons the active session, disconnecting if needed. It is the only
// way out of a stalled session.
func (e *Engine) Reset() { e.Post(resetRequested{}) }

// Post queues an event for the dispatcher. It is the sink handed to the
// adapter. Events posted after Run has returned are dropped.
func (e *Engine) Post(ev Event) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Status returns the latest state snapshot.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// Run enables the adapter and dispatches events until ctx is cancelled.
// An active session is torn down before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	if err := e.adapter.Enable(e.Post); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if e.s.busy {
				e.log.Info("[BLE] shutting down with active session", "stage", e.s.stage)
				e.teardown(OutcomeReset)
				e.publish()
			}
			return nil
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// handle is the transition function. It runs one event to completion.
func (e *Engine) handle(ev Event) {
	switch ev := ev.(type) {
	case PowerStateChanged:
		e.onPowerState(ev.State)
	case enrollRequested:
		e.log.Info("[BLE] enroll")
		e.start(protocol.EnrollRound1)
	case authRequested:
		e.log.Info("[BLE] auth")
		e.start(protocol.Authenticate)
	case resetRequested:
		e.onReset()
	case scanTimedOut:
		e.onScanTimeout(ev.gen)
	case PeripheralDiscovered:
		e.onDiscovered(ev.Peripheral)
	case Connected:
		e.onConnected(ev)
	case Disconnected:
		e.onDisconnected(ev)
	case ServicesDiscovered:
		e.onServices(ev)
	case CharacteristicsDiscovered:
		e.onCharacteristics(ev)
	case WriteCompleted:
		e.onWrite(ev)
	case ValueUpdated:
		e.onValue(ev)
	default:
		e.log.Warn("[BLE] unhandled event", "type", fmt.Sprintf("%T", ev))
	}
	e.publish()
}

func (e *Engine) publish() {
	st := Status{
		Busy:      e.s.busy,
		PoweredOn: e.s.poweredOn,
		Outcome:   e.s.outcome,
		Sessions:  e.s.sessions,
	}
	if e.s.busy {
		st.Stage = e.s.stage
		st.Service = e.s.service.String()
	}
	if e.s.peripheral != nil {
		st.Peripheral = e.s.peripheral.ID
	}
	e.status.Store(&st)
}

func (e *Engine) onPowerState(state PowerState) {
	e.log.Info("[BLE] power state changed", "state", state)
	was := e.s.poweredOn
	e.s.poweredOn = state == PoweredOn

	if !e.s.poweredOn && e.s.busy {
		// The radio is gone: nothing to stop or disconnect.
		e.log.Warn("[BLE] power lost during session", "stage", e.s.stage, "phase", e.s.phase)
		e.timer.disarm()
		e.s.scanning = false
		e.finish(OutcomeAborted)
		return
	}
	if e.s.poweredOn && !was && e.opts.AutoEnroll {
		e.log.Info("[BLE] enroll")
		e.start(protocol.EnrollRound1)
	}
}

// start begins a flow at stage if the preconditions hold.
func (e *Engine) start(stage protocol.Stage) {
	if e.s.busy {
		e.log.Info("[BLE] busy, ignoring", "stage", e.s.stage)
		return
	}
	if !e.s.poweredOn {
		e.log.Info("[BLE] not powered on")
		return
	}
	e.s.busy = true
	e.s.outcome = OutcomeNone
	e.s.sessions++
	e.setStage(stage)
	e.startScan(stage.Family().Identifiers().Service)
}

func (e *Engine) setStage(stage protocol.Stage) {
	e.s.stage = stage
	e.log.Info("[BLE] state changed", "stage", stage)
	if e.opts.OnStage != nil {
		e.opts.OnStage(stage)
	}
}

// startScan resets the session handles, arms the scan timer and scans for
// service.
func (e *Engine) startScan(service uuid.UUID) {
	e.log.Info("[BLE] scanning", "service", protocol.Label(service), "uuid", service)
	e.stopScan()
	e.s.clearHandles()
	e.s.service = service
	e.s.phase = phaseScanning
	e.timer.arm()

	if err := e.adapter.Scan(service.String()); err != nil {
		e.log.Error("[BLE] scan failed", "error", err)
		e.timer.disarm()
		e.finish(OutcomeFailed)
		return
	}
	e.s.scanning = true
}

func (e *Engine) stopScan() {
	if !e.s.scanning {
		return
	}
	e.s.scanning = false
	if err := e.adapter.StopScan(); err != nil {
		e.log.Warn("[BLE] stop scan failed", "error", err)
	}
}

func (e *Engine) onScanTimeout(gen uint64) {
	if !e.timer.claim(gen) {
		e.log.Debug("[BLE] ignoring stale scan timeout")
		return
	}
	e.log.Info("[BLE] timed out", "service", protocol.Label(e.s.service))
	e.stopScan()
	e.finish(OutcomeTimedOut)
}

func (e *Engine) onDiscovered(p Peripheral) {
	if !e.s.busy || e.s.phase != phaseScanning {
		e.log.Debug("[BLE] ignoring discovery", "peripheral", p.ID, "phase", e.s.phase)
		return
	}
	if e.opts.Peripheral != "" && !strings.EqualFold(p.ID, e.opts.Peripheral) {
		e.log.Debug("[BLE] ignoring unpinned peripheral", "peripheral", p.ID)
		return
	}
	e.log.Info("[BLE] discovered peripheral", "peripheral", p.ID, "name", p.Name, "rssi", p.RSSI)
	e.timer.disarm()
	e.stopScan()
	e.s.peripheral = &p
	e.s.phase = phaseConnecting

	if err := e.adapter.Connect(p); err != nil {
		e.fail("connect", err)
	}
}

func (e *Engine) onConnected(ev Connected) {
	if !e.expect(phaseConnecting, ev.Peripheral.ID) {
		e.releaseOrphan(ev)
		return
	}
	if ev.Err != nil {
		e.fail("connect", ev.Err)
		return
	}
	e.log.Info("[BLE] connected", "peripheral", ev.Peripheral.ID)
	e.s.phase = phaseServices
	if err := e.adapter.DiscoverServices(*e.s.peripheral, []string{e.s.service.String()}); err != nil {
		e.fail("discover services", err)
	}
}

// releaseOrphan closes a link that finished opening after its session was
// reset, aborted or failed. A repeated Connected for the session's own
// peripheral is left alone.
func (e *Engine) releaseOrphan(ev Connected) {
	if ev.Err != nil {
		return
	}
	if e.s.peripheral != nil && e.s.peripheral.ID == ev.Peripheral.ID {
		return
	}
	e.log.Info("[BLE] closing orphaned connection", "peripheral", ev.Peripheral.ID)
	if err := e.adapter.Disconnect(ev.Peripheral); err != nil {
		e.log.Warn("[BLE] disconnect failed", "peripheral", ev.Peripheral.ID, "error", err)
	}
}

func (e *Engine) onDisconnected(ev Disconnected) {
	if !e.s.busy || e.s.peripheral == nil || e.s.peripheral.ID != ev.Peripheral.ID {
		return
	}
	e.log.Warn("[BLE] peripheral disconnected unexpectedly", "peripheral", ev.Peripheral.ID, "phase", e.s.phase, "error", ev.Err)
	e.timer.disarm()
	e.finish(OutcomeAborted)
}

func (e *Engine) onServices(ev ServicesDiscovered) {
	if !e.expect(phaseServices, ev.Peripheral.ID) {
		return
	}
	if ev.Err != nil {
		e.fail("discover services", ev.Err)
		return
	}
	if len(ev.Services) == 0 {
		e.log.Warn("[BLE] no services found", "peripheral", ev.Peripheral.ID)
		e.teardown(OutcomeFailed)
		return
	}

	e.s.phase = phaseCharacteristics
	e.s.pendingSvcs = len(ev.Services)
	for _, svc := range ev.Services {
		e.log.Info("[BLE] service", "name", protocol.LabelString(svc.UUID), "uuid", svc.UUID)
		if err := e.adapter.DiscoverCharacteristics(svc); err != nil {
			e.fail("discover characteristics", err)
			return
		}
	}
}

func (e *Engine) onCharacteristics(ev CharacteristicsDiscovered) {
	if !e.expect(phaseCharacteristics, ev.Service.PeripheralID) {
		return
	}
	e.s.pendingSvcs--
	if ev.Err != nil {
		e.fail("discover characteristics", ev.Err)
		return
	}

	ids := e.s.stage.Family().Identifiers()
	for i := range ev.Characteristics {
		c := ev.Characteristics[i]
		e.log.Info("[BLE] characteristic", "name", protocol.LabelString(c.UUID), "uuid", c.UUID)
		id, err := protocol.ParseID(c.UUID)
		if err != nil {
			continue
		}
		switch id {
		case ids.Request:
			e.s.requestChar = &c
		case ids.Response:
			e.s.responseChar = &c
		}
	}

	if e.s.requestChar != nil && e.s.responseChar != nil {
		e.sendRequest()
		return
	}
	if e.s.pendingSvcs <= 0 {
		e.fail("discover characteristics", fmt.Errorf("%w: %s request/response pair not found",
			ErrUnknownCharacteristic, e.s.stage.Family()))
	}
}

// sendRequest writes the current stage's request frame.
func (e *Engine) sendRequest() {
	req := protocol.EncodeRequest(e.s.stage)
	e.log.Info("[BLE] send request", "stage", e.s.stage, "request", string(req))
	e.s.phase = phaseWriting
	if err := e.adapter.Write(*e.s.requestChar, req); err != nil {
		e.transportFailure("write", err)
	}
}

func (e *Engine) onWrite(ev WriteCompleted) {
	if !e.expect(phaseWriting, ev.Characteristic.PeripheralID) {
		return
	}
	if ev.Err != nil {
		e.transportFailure("write", ev.Err)
		return
	}
	e.log.Debug("[BLE] write ok", "characteristic", protocol.LabelString(ev.Characteristic.UUID))
	e.s.phase = phaseReading
	if err := e.adapter.Read(*e.s.responseChar); err != nil {
		e.transportFailure("read", err)
	}
}

func (e *Engine) onValue(ev ValueUpdated) {
	if !e.expect(phaseReading, ev.Characteristic.PeripheralID) {
		return
	}
	if ev.Err != nil {
		e.transportFailure("read", ev.Err)
		return
	}
	e.onResponse(ev.Value)
}

// onResponse advances the state machine after a response frame.
func (e *Engine) onResponse(payload []byte) {
	text, valid := protocol.DecodeResponse(payload)
	if !valid {
		e.log.Warn("[BLE] response is not valid UTF-8", "stage", e.s.stage, "bytes", len(payload))
	}
	e.log.Info("[BLE] response", "stage", e.s.stage, "response", text)

	next, step := protocol.Advance(e.s.stage)
	switch step {
	case protocol.StepSendRequest:
		e.setStage(next)
		e.sendRequest()
	case protocol.StepRescan:
		e.setStage(next)
		e.disconnectPeripheral()
		e.startScan(next.Family().Identifiers().Service)
	case protocol.StepFinish:
		e.teardown(OutcomeCompleted)
	}
}

// expect reports whether an adapter notification for peripheralID is the
// one the session is waiting for in phase want.
func (e *Engine) expect(want phase, peripheralID string) bool {
	if !e.s.busy || e.s.phase != want || e.s.peripheral == nil || e.s.peripheral.ID != peripheralID {
		e.log.Debug("[BLE] ignoring out-of-order notification",
			"want", want, "phase", e.s.phase, "peripheral", peripheralID)
		return false
	}
	return true
}

// fail logs a connect or discovery error and tears the session down.
func (e *Engine) fail(op string, err error) {
	e.log.Error("[BLE] "+op+" failed", "stage", e.s.stage, "error", err)
	e.teardown(OutcomeFailed)
}

// transportFailure handles a write or read error.
func (e *Engine) transportFailure(op string, err error) {
	e.log.Error("[BLE] "+op+" failed", "stage", e.s.stage, "error", err)
	if e.opts.TeardownOnTransportError {
		e.teardown(OutcomeFailed)
		return
	}
	e.log.Warn("[BLE] session stalled, reset required", "stage", e.s.stage)
	e.s.phase = phaseStalled
	e.s.outcome = OutcomeStalled
}

func (e *Engine) onReset() {
	if !e.s.busy {
		e.log.Debug("[BLE] reset while idle")
		return
	}
	e.log.Info("[BLE] reset", "stage", e.s.stage, "phase", e.s.phase)
	e.teardown(OutcomeReset)
}

// teardown stops everything the session started and returns to idle.
func (e *Engine) teardown(outcome Outcome) {
	e.log.Info("[BLE] disconnect", "outcome", outcome)
	e.timer.disarm()
	e.stopScan()
	e.disconnectPeripheral()
	e.finish(outcome)
}

func (e *Engine) disconnectPeripheral() {
	if e.s.peripheral == nil {
		return
	}
	if err := e.adapter.Disconnect(*e.s.peripheral); err != nil {
		e.log.Warn("[BLE] disconnect failed", "peripheral", e.s.peripheral.ID, "error", err)
	}
	e.s.clearHandles()
}

// finish clears the session record and marks the engine idle.
func (e *Engine) finish(outcome Outcome) {
	e.s.clearHandles()
	e.s.busy = false
	e.s.phase = phaseIdle
	e.s.outcome = outcome
	if outcome != OutcomeCompleted {
		e.log.Info("[BLE] session ended", "outcome", outcome)
	}
}

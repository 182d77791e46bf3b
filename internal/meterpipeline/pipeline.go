// Package meterpipeline drives the connect→read→parse→publish→reconnect
// state machine that connects, reads, parses, publishes and reconnects.
// It mirrors the port_reader StartReading loop and the interpreter
// service's backoff handling, generalized around the shared severity
// taxonomy in internal/errs.
package meterpipeline

import (
	"time"

	"github.com/NotCoffee418/meterbridge/internal/errs"
	"github.com/NotCoffee418/meterbridge/internal/obis"
	"github.com/NotCoffee418/meterbridge/internal/serialio"
	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"go.uber.org/zap"
)

// State names the pipeline's current position in its state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReading
	StatePublishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StatePublishing:
		return "publishing"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// Availability is the value passed to the availability callback.
type Availability string

const (
	Connected    Availability = "connected"
	Disconnected Availability = "disconnected"
)

// BackoffConfig bounds the reconnect delay.
type BackoffConfig struct {
	Min time.Duration
	Max time.Duration
}

// DeviceCallback fires when the parsed Device record changes identity.
type DeviceCallback func(payload []byte, device obis.Device)

// UpdateCallback fires once per successfully parsed telegram.
type UpdateCallback func(payload []byte, values obis.Values)

// AvailabilityCallback fires on entry into Reading and on exit from it.
type AvailabilityCallback func(state Availability)

// SnapshotCallback is an optional diagnostic slot fed the same payload as
// UpdateCallback, used by the status monitor.
type SnapshotCallback func(payload []byte)

// Pipeline owns one serial device's full connect/read/parse/publish cycle.
type Pipeline struct {
	serialCfg serialio.Config
	backoff   BackoffConfig
	parser    *obis.Parser
	shutdown  *shutdown.Coordinator
	log       *zap.Logger

	onDevice    DeviceCallback
	onUpdate    UpdateCallback
	onAvailable AvailabilityCallback
	onSnapshot  SnapshotCallback

	lastDevice     obis.Device
	haveLastDevice bool
}

// New builds a Pipeline. Callback slots default to no-ops; wire them with
// the On* setters before calling Run.
func New(serialCfg serialio.Config, backoff BackoffConfig, parser *obis.Parser, sc *shutdown.Coordinator, log *zap.Logger) *Pipeline {
	return &Pipeline{
		serialCfg:   serialCfg,
		backoff:     backoff,
		parser:      parser,
		shutdown:    sc,
		log:         log,
		onDevice:    func([]byte, obis.Device) {},
		onUpdate:    func([]byte, obis.Values) {},
		onAvailable: func(Availability) {},
		onSnapshot:  func([]byte) {},
	}
}

func (p *Pipeline) OnDevice(cb DeviceCallback)             { p.onDevice = cb }
func (p *Pipeline) OnUpdate(cb UpdateCallback)             { p.onUpdate = cb }
func (p *Pipeline) OnAvailability(cb AvailabilityCallback) { p.onAvailable = cb }
func (p *Pipeline) OnSnapshot(cb SnapshotCallback)         { p.onSnapshot = cb }

// Run executes the state machine until the shutdown coordinator stops or a
// Fatal error is encountered. It never returns an error; all failure paths
// are logged and folded into the Disconnected/Stopped transitions below.
func (p *Pipeline) Run() {
	state := StateDisconnected
	delay := p.backoff.Min
	var port *serialio.Port
	var framer *serialio.Framer

	for state != StateStopped {
		switch state {
		case StateDisconnected:
			if !p.shutdown.IsRunning() {
				state = StateStopped
				continue
			}
			state = StateConnecting

		case StateConnecting:
			var err error
			port, err = serialio.Open(p.serialCfg)
			if err != nil {
				state = p.handleError(err, &delay)
				continue
			}
			framer = serialio.NewFramer(port, p.shutdown.IsRunning)
			delay = p.backoff.Min
			p.onAvailable(Connected)
			state = StateReading

		case StateReading:
			telegram, err := framer.ReadOne()
			if err != nil {
				port.Close()
				p.onAvailable(Disconnected)
				state = p.handleError(err, &delay)
				continue
			}
			state = p.publish(telegram)
		}
	}

	if port != nil {
		port.Close()
	}
}

func (p *Pipeline) publish(telegram string) State {
	values, device, err := p.parser.Parse(telegram)
	if err != nil {
		p.log.Warn("telegram parse failed, skipping", zap.Error(err))
		return StateReading
	}

	if !p.haveLastDevice || !device.Equal(p.lastDevice) {
		devicePayload, jerr := obis.DeviceJSON(device)
		if jerr == nil {
			p.onDevice(devicePayload, device)
		}
		p.lastDevice = device
		p.haveLastDevice = true
	}

	valuesPayload, jerr := obis.ValuesJSON(values)
	if jerr != nil {
		p.log.Warn("values JSON encode failed, skipping", zap.Error(jerr))
		return StateReading
	}
	p.onUpdate(valuesPayload, values)
	p.callSnapshot(valuesPayload)

	return StateReading
}

// callSnapshot invokes the diagnostic onSnapshot slot with a panic
// recovery: it feeds the status monitor and must never be able to bring
// down the read/parse/publish cycle.
func (p *Pipeline) callSnapshot(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("onSnapshot callback panicked", zap.Any("panic", r))
		}
	}()
	p.onSnapshot(payload)
}

// handleError applies the severity-classification table and returns the
// next state.
func (p *Pipeline) handleError(err error, delay *time.Duration) State {
	e, ok := err.(*errs.Error)
	if !ok {
		p.log.Error("unclassified error, treating as fatal", zap.Error(err))
		p.shutdown.Shutdown()
		return StateStopped
	}

	switch e.Severity {
	case errs.ShutdownInProgress:
		p.log.Debug("shutdown observed", zap.String("code", errCodeName(e.Code)))
		return StateStopped

	case errs.Fatal:
		p.log.Error("fatal error, shutting down", zap.Error(e))
		p.shutdown.Shutdown()
		return StateStopped

	default: // Transient
		p.log.Warn("transient error, reconnecting", zap.Error(e), zap.Duration("backoff", *delay))
		if !p.sleepBackoff(*delay) {
			return StateStopped
		}
		*delay *= 2
		if *delay > p.backoff.Max {
			*delay = p.backoff.Max
		}
		return StateDisconnected
	}
}

// sleepBackoff waits d, waking early if shutdown is signaled. It returns
// false if the caller should treat this as a shutdown rather than resume
// reconnecting.
func (p *Pipeline) sleepBackoff(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return p.shutdown.IsRunning()
	case <-p.shutdown.Done():
		return false
	}
}

func errCodeName(c errs.Code) string {
	switch c {
	case errs.CodeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

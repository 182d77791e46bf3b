package modbusserver

import (
	"time"

	"github.com/NotCoffee418/meterbridge/internal/errs"
	"github.com/NotCoffee418/meterbridge/internal/serialio"
)

const rtuRequestFrameLen = 8 // unit(1) func(1) addr(2) qty(2) crc(2), FC3 only

// rtuFramer accumulates bytes off an open serial port into fixed-length
// RTU request frames, the same shape as serialio.Framer but bounded by a
// caller-supplied per-request timeout instead of the fixed inter-byte
// VTIME window.
type rtuFramer struct {
	port *serialio.Port
	buf  [64]byte
}

func newRTUFramer(port *serialio.Port) *rtuFramer {
	return &rtuFramer{port: port}
}

// ReadFrame blocks until one rtuRequestFrameLen-byte frame has
// accumulated or timeout elapses with no complete frame, classifying any
// underlying serial error via errs.FromModbusErrno.
func (f *rtuFramer) ReadFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, rtuRequestFrameLen)

	for len(out) < rtuRequestFrameLen {
		if time.Now().After(deadline) {
			return nil, errs.New(errs.CodeTimeout, errs.Transient, "modbus rtu request timeout")
		}
		n, err := f.port.ReadRaw(f.buf[:])
		if err != nil {
			return nil, errs.FromModbusErrno("modbus rtu read failed", err)
		}
		if n == 0 {
			continue
		}
		remaining := rtuRequestFrameLen - len(out)
		if n > remaining {
			n = remaining
		}
		out = append(out, f.buf[:n]...)
	}
	return out, nil
}

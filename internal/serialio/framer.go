package serialio

import (
	"io"

	"github.com/NotCoffee418/meterbridge/internal/errs"
)

// MaxTelegramLen bounds a framed telegram's length.
const MaxTelegramLen = 368

// readChunk is the batch size VMIN is configured for.
const readChunk = 64

// rawReader is the minimal surface Framer needs from a serial device: one
// bounded, blocking read per call. *Port implements it directly; tests
// exercise Framer against a plain io.Reader via ioRawReader.
type rawReader interface {
	ReadRaw(buf []byte) (int, error)
}

// ReadRaw performs one blocking read bounded by VTIME (~0.5s of
// inter-byte silence).
func (p *Port) ReadRaw(buf []byte) (int, error) {
	return p.read(buf)
}

// Framer assembles raw serial bytes into complete OBIS telegrams: ignore
// bytes until '/', then accumulate until the third-from-last byte is '!'.
type Framer struct {
	port      rawReader
	isRunning func() bool
	buf       [readChunk]byte
}

// NewFramer wraps an open Port. isRunning is polled before every blocking
// read so a shutdown in progress is observed promptly.
func NewFramer(port *Port, isRunning func() bool) *Framer {
	return &Framer{port: port, isRunning: isRunning}
}

// newFramerForReader is used by tests to drive the framing algorithm
// against a plain io.Reader instead of a real termios device.
func newFramerForReader(r io.Reader, isRunning func() bool) *Framer {
	return &Framer{port: &ioRawReader{r: r}, isRunning: isRunning}
}

type ioRawReader struct{ r io.Reader }

func (w *ioRawReader) ReadRaw(buf []byte) (int, error) {
	n, err := w.r.Read(buf)
	if err != nil {
		if err == io.EOF {
			return n, errs.New(errs.CodeClosed, errs.Transient, "serial device closed (EOF)")
		}
		return n, errs.Wrap(errs.CodeErrno, errs.Transient, "read failed", err)
	}
	return n, nil
}

// ReadOne blocks until one complete telegram has been framed, or returns
// one of: Timeout, Closed, OutOfSync, Shutdown, or an underlying I/O
// error. NotATty and LockBusy are reported by Open, not by ReadOne.
func (f *Framer) ReadOne() (string, error) {
	out := make([]byte, 0, MaxTelegramLen)
	sawStart := false

	for {
		if !f.isRunning() {
			return "", errs.New(errs.CodeShutdown, errs.ShutdownInProgress, "shutdown in progress")
		}

		n, err := f.port.ReadRaw(f.buf[:])
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", errs.New(errs.CodeTimeout, errs.Transient, "no bytes received before inter-byte timeout")
		}

		for i := 0; i < n; i++ {
			b := f.buf[i]
			if !sawStart {
				if b == '/' {
					sawStart = true
					out = append(out, b)
				}
				continue
			}

			out = append(out, b)
			if len(out) >= 3 && out[len(out)-3] == '!' {
				return string(out), nil
			}
			if len(out) >= MaxTelegramLen {
				return "", errs.New(errs.CodeOutOfSync, errs.Transient, "no telegram terminator found within length bound")
			}
		}
	}
}

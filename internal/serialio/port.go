package serialio

import (
	"fmt"

	"github.com/NotCoffee418/meterbridge/internal/errs"
	"golang.org/x/sys/unix"
)

// Port is an exclusively-opened, raw-mode serial device.
//
// Open applies the required termios settings (baud, data bits, stop bits,
// parity, VMIN=64/VTIME=5) and takes both the mandatory (TIOCEXCL) and
// advisory (flock) exclusive locks before returning.
type Port struct {
	cfg Config
	fd  int
}

var baudConstants = map[int]uint32{
	1200: unix.B1200, 2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400,
}

var dataBitsConstants = map[int]uint32{
	5: unix.CS5, 6: unix.CS6, 7: unix.CS7, 8: unix.CS8,
}

// Open opens, exclusively locks, and raw-mode-configures cfg.Device.
func Open(cfg Config) (*Port, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.CodeErrno, errs.Fatal, "invalid serial configuration", err)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, classifyOpenErr(cfg.Device, err)
	}

	p := &Port{cfg: cfg, fd: fd}

	isTty, ttyErr := unix.IoctlGetTermios(fd, unix.TCGETS)
	if ttyErr != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeNotATty, errs.Fatal, fmt.Sprintf("%s is not a tty", cfg.Device), ttyErr)
	}

	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeLockBusy, errs.Transient, "device already exclusively opened", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeLockBusy, errs.Transient, "device already locked", err)
	}

	configureTermios(isTty, cfg)
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, isTty); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeErrno, errs.Fatal, "failed to apply termios settings", err)
	}

	// Clear O_NONBLOCK now that exclusivity is established; reads should
	// block up to VTIME, not return EAGAIN immediately.
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeErrno, errs.Fatal, "failed to clear O_NONBLOCK", err)
	}

	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		unix.Close(fd)
		return nil, errs.Wrap(errs.CodeErrno, errs.Transient, "failed to flush serial buffers", err)
	}

	return p, nil
}

func classifyOpenErr(device string, err error) *errs.Error {
	e := errs.FromMeterErrno(fmt.Sprintf("failed to open %s", device), err)
	if errno, ok := err.(unix.Errno); ok && errno == unix.EBUSY {
		// EBUSY on open (not flock) still means "already in use".
		e.Code = errs.CodeLockBusy
	}
	return e
}

func configureTermios(t *unix.Termios, cfg Config) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR |
		unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CREAD | unix.CLOCAL
	t.Cflag |= dataBitsConstants[cfg.DataBits]

	switch cfg.Parity {
	case ParityEven:
		t.Cflag |= unix.PARENB
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	}
	if cfg.StopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}

	baud := baudConstants[cfg.Baud]
	t.Ispeed = baud
	t.Ospeed = baud

	// VMIN=64, VTIME=5 (0.5s): the framer assembles multiple 64-byte
	// batches into one telegram.
	t.Cc[unix.VMIN] = 64
	t.Cc[unix.VTIME] = 5
}

// Close releases the device, including both locks.
func (p *Port) Close() error {
	return unix.Close(p.fd)
}

// Fd returns the underlying file descriptor.
func (p *Port) Fd() int { return p.fd }

// read performs one blocking read, bounded by VTIME (~0.5s of inter-byte
// silence). A VTIME timeout with no data surfaces from the
// kernel as (0, nil), same as a plain read(2); Framer is the layer that
// turns that into a Timeout error.
func (p *Port) read(buf []byte) (int, error) {
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return 0, errs.FromMeterErrno("serial read failed", err)
	}
	return n, nil
}

// WriteRaw writes buf in full to the device, used by the RTU register
// engine to send a response on the same line it reads requests from.
func (p *Port) WriteRaw(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(p.fd, buf)
		if err != nil {
			return errs.FromModbusErrno("serial write failed", err)
		}
		buf = buf[n:]
	}
	return nil
}

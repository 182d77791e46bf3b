package modbusserver

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/errs"
	"github.com/NotCoffee418/meterbridge/internal/serialio"
	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"github.com/NotCoffee418/meterbridge/internal/sunspec"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const acceptPollInterval = 500 * time.Millisecond

// Config configures one Server instance.
type Config struct {
	SlaveID        byte
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Server answers Modbus read-holding-registers requests from snap.
type Server struct {
	cfg      Config
	snap     *sunspec.Snapshot
	shutdown *shutdown.Coordinator
	log      *zap.Logger

	wg sync.WaitGroup
}

// New builds a Server bound to snap. Call ServeTCP and/or ServeRTU to
// start listening; both may run concurrently against the same snapshot.
func New(cfg Config, snap *sunspec.Snapshot, sc *shutdown.Coordinator, log *zap.Logger) *Server {
	return &Server{cfg: cfg, snap: snap, shutdown: sc, log: log}
}

// ServeTCP binds addr and accepts connections until shutdown, spawning
// one worker goroutine per client. It blocks until the listener is
// closed by shutdown and all client workers have joined.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrap(errs.CodeErrno, errs.Fatal, "failed to bind modbus tcp listener", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return errs.New(errs.CodeErrno, errs.Fatal, "listener is not a TCP listener")
	}

	go func() {
		s.shutdown.Wait()
		tcpLn.Close()
	}()

	for s.shutdown.IsRunning() {
		tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := tcpLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.shutdown.IsRunning() {
				break
			}
			s.log.Error("modbus tcp accept failed, shutting down", zap.Error(err))
			s.shutdown.Shutdown()
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTCPClient(conn)
		}()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) serveTCPClient(conn net.Conn) {
	defer conn.Close()
	clientID := uuid.New().String()
	log := s.log.With(zap.String("client", clientID), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("modbus tcp client connected")

	lastActivity := time.Now()
	for s.shutdown.IsRunning() {
		conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
		header, body, err := readTCPFrame(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(lastActivity) > s.cfg.IdleTimeout {
					log.Debug("modbus tcp client idle timeout")
					return
				}
				continue
			}
			if err == io.EOF {
				log.Debug("modbus tcp client closed connection")
			} else {
				log.Debug("modbus tcp client read error", zap.Error(err))
			}
			return
		}
		lastActivity = time.Now()

		start := time.Now()
		resp, malformed := s.handleRequest(header, body)
		if malformed {
			log.Debug("modbus tcp client sent a malformed request, closing")
			return
		}
		conn.Write(resp)
		log.Debug("modbus tcp request served", zap.Duration("elapsed", time.Since(start)))
	}
}

// handleRequest decodes a TCP ADU and returns the response bytes, or
// malformed=true when the request couldn't even be parsed enough to
// build an exception response.
func (s *Server) handleRequest(header [7]byte, body []byte) (resp []byte, malformed bool) {
	r, err := decodeTCPRequest(header, body)
	if err != nil {
		exc, ok := err.(*errExceptionResponse)
		if !ok || r == nil {
			return nil, true
		}
		return encodeTCPException(r, s.cfg.SlaveID, exc.code), false
	}

	bank := s.snap.Load()
	if verr := validateAddressRange(r.startAddr, r.quantity, len(bank)); verr != nil {
		return encodeTCPException(r, s.cfg.SlaveID, verr.(*errExceptionResponse).code), false
	}

	regs := make([]uint16, r.quantity)
	for i := range regs {
		regs[i] = bank[int(r.startAddr)+i]
	}
	return encodeTCPResponse(r, s.cfg.SlaveID, regs), false
}

// readTCPFrame reads one complete MBAP ADU: a 7-byte header followed by a
// length-prefixed PDU.
func readTCPFrame(conn net.Conn) (header [7]byte, body []byte, err error) {
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return header, nil, err
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 1 {
		return header, nil, errs.New(errs.CodeProtocol, errs.Transient, "modbus tcp length field too small")
	}
	body = make([]byte, length-1)
	if _, err = io.ReadFull(conn, body); err != nil {
		return header, nil, err
	}
	return header, body, nil
}

// ServeRTU serves read requests over an already-open serial device.
// Single-threaded: a rejected CRC or mismatched slave id is silently
// ignored rather than treated as a connection error, and the line is
// never closed in response to it.
func (s *Server) ServeRTU(port *serialio.Port) error {
	framer := newRTUFramer(port)
	lastActivity := time.Now()

	for s.shutdown.IsRunning() {
		frame, err := framer.ReadFrame(s.cfg.RequestTimeout)
		if err != nil {
			e, ok := err.(*errs.Error)
			if ok && e.Severity == errs.ShutdownInProgress {
				return nil
			}
			if ok && e.Severity == errs.Fatal {
				s.log.Error("modbus rtu fatal receive error, shutting down", zap.Error(e))
				s.shutdown.Shutdown()
				return e
			}
			if ok && e.Code == errs.CodeTimeout {
				if time.Since(lastActivity) > s.cfg.IdleTimeout {
					s.log.Debug("modbus rtu line idle")
					lastActivity = time.Now()
				}
				continue
			}
			continue
		}

		r, ok, excErr := decodeRTURequest(frame, s.cfg.SlaveID)
		if !ok {
			// wrong slave id or bad CRC: silently ignored, line stays open.
			continue
		}
		lastActivity = time.Now()

		if excErr != nil {
			exc := excErr.(*errExceptionResponse)
			port.WriteRaw(encodeRTUException(r.unitID, exc.code))
			continue
		}

		bank := s.snap.Load()
		if verr := validateAddressRange(r.startAddr, r.quantity, len(bank)); verr != nil {
			port.WriteRaw(encodeRTUException(r.unitID, verr.(*errExceptionResponse).code))
			continue
		}

		regs := make([]uint16, r.quantity)
		for i := range regs {
			regs[i] = bank[int(r.startAddr)+i]
		}
		port.WriteRaw(encodeRTUResponse(r.unitID, regs))
	}
	return nil
}

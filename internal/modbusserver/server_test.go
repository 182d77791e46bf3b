package modbusserver

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/NotCoffee418/meterbridge/internal/shutdown"
	"github.com/NotCoffee418/meterbridge/internal/sunspec"
	"go.uber.org/zap"
)

func TestServeTCPReadHoldingRegisters(t *testing.T) {
	snap := sunspec.NewSnapshot(7, false)
	sc := shutdown.New()
	srv := New(Config{SlaveID: 7, RequestTimeout: time.Second, IdleTimeout: 5 * time.Second}, snap, sc, zap.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.ServeTCP(addr)
	}()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	defer conn.Close()

	req := make([]byte, 12)
	binary.BigEndian.PutUint16(req[0:2], 1) // transaction id
	binary.BigEndian.PutUint16(req[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(req[4:6], 6) // length
	req[6] = 7                              // unit id
	req[7] = funcReadHoldingRegisters
	binary.BigEndian.PutUint16(req[8:10], 40000) // start addr
	binary.BigEndian.PutUint16(req[10:12], 2)    // quantity

	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	header := make([]byte, 7)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("failed to read response header: %v", err)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	body := make([]byte, length-1)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	if body[0] != funcReadHoldingRegisters {
		t.Fatalf("unexpected function code in response: %x", body[0])
	}
	byteCount := body[1]
	if byteCount != 4 {
		t.Fatalf("byte count = %d, want 4", byteCount)
	}
	got := binary.BigEndian.Uint32(body[2:6])
	if got != 0x53756E53 {
		t.Fatalf("SunSpec ID = 0x%08X, want 0x53756E53", got)
	}

	sc.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeTCP returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTCP did not return within 2s of shutdown")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

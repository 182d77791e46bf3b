// Package modbusserver serves a sunspec.Snapshot's register bank to
// Modbus masters over TCP (MBAP framing) or RTU, restricted to function
// code 0x03 (Read Holding Registers) as this gateway only ever exposes
// read-only meter data.
//
// No library in reach offers a server whose accept/serve loop composes
// with an externally owned shutdown flag and per-client idle/request
// timeout bookkeeping the way this gateway needs, so the wire framing is
// hand-rolled here; RTU framing reuses sigurn/crc16, and the request
// parsing shape follows the station/function/register decode candlerb's
// Modbus sniffer performs server-side instead of passively.
package modbusserver

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	funcReadHoldingRegisters = 0x03

	exceptionIllegalFunction     = 0x01
	exceptionIllegalDataAddress  = 0x02
	exceptionIllegalDataValue    = 0x03
	exceptionSlaveDeviceFailure  = 0x04
)

var rtuCRCTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// request is the decoded subset of a Modbus read-holding-registers ADU
// this server understands.
type request struct {
	unitID       byte
	function     byte
	startAddr    uint16
	quantity     uint16
	transactionID uint16 // TCP only; zero for RTU
}

// errExceptionResponse carries a Modbus exception code a caller should
// encode and send back rather than treat as a connection failure.
type errExceptionResponse struct {
	code byte
}

func (e *errExceptionResponse) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X", e.code)
}

// decodeTCPRequest parses one complete MBAP ADU (header already consumed
// by the caller's length-prefixed read) into a request, or an exception
// if the function code isn't supported.
func decodeTCPRequest(header [7]byte, body []byte) (*request, error) {
	if len(body) < 5 {
		return nil, fmt.Errorf("modbusserver: short TCP request body (%d bytes)", len(body))
	}
	r := &request{
		transactionID: binary.BigEndian.Uint16(header[0:2]),
		unitID:        header[6],
		function:      body[0],
		startAddr:     binary.BigEndian.Uint16(body[1:3]),
		quantity:      binary.BigEndian.Uint16(body[3:5]),
	}
	if r.function != funcReadHoldingRegisters {
		return r, &errExceptionResponse{code: exceptionIllegalFunction}
	}
	return r, nil
}

// encodeTCPResponse builds the MBAP response ADU for a successful read.
func encodeTCPResponse(r *request, unitID byte, regs []uint16) []byte {
	data := encodeRegisters(regs)
	pdu := append([]byte{funcReadHoldingRegisters, byte(len(data))}, data...)
	length := uint16(1 + len(pdu)) // unit ID + PDU

	out := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(out[0:2], r.transactionID)
	binary.BigEndian.PutUint16(out[2:4], 0) // protocol ID
	binary.BigEndian.PutUint16(out[4:6], length)
	out[6] = unitID
	copy(out[7:], pdu)
	return out
}

// encodeTCPException builds the MBAP exception response ADU.
func encodeTCPException(r *request, unitID byte, code byte) []byte {
	out := make([]byte, 9)
	binary.BigEndian.PutUint16(out[0:2], r.transactionID)
	binary.BigEndian.PutUint16(out[2:4], 0)
	binary.BigEndian.PutUint16(out[4:6], 3)
	out[6] = unitID
	out[7] = funcReadHoldingRegisters | 0x80
	out[8] = code
	return out
}

// decodeRTURequest parses one complete RTU frame (8 bytes: unit, func,
// addr, qty, CRC) and validates its CRC. A CRC or slave-id mismatch is
// reported via ok=false so the caller can silently ignore it rather than
// treat it as a connection error.
func decodeRTURequest(frame []byte, expectedUnitID byte) (r *request, ok bool, excErr error) {
	if len(frame) != 8 {
		return nil, false, nil
	}
	plen := len(frame) - 2
	want := crc16.Checksum(frame[:plen], rtuCRCTable)
	got := uint16(frame[plen]) | uint16(frame[plen+1])<<8
	if want != got {
		return nil, false, nil
	}

	unitID := frame[0]
	if unitID != expectedUnitID {
		return nil, false, nil
	}

	r = &request{
		unitID:    unitID,
		function:  frame[1],
		startAddr: binary.BigEndian.Uint16(frame[2:4]),
		quantity:  binary.BigEndian.Uint16(frame[4:6]),
	}
	if r.function != funcReadHoldingRegisters {
		return r, true, &errExceptionResponse{code: exceptionIllegalFunction}
	}
	return r, true, nil
}

// encodeRTUResponse builds the RTU response frame (unit, func, byte
// count, data, CRC) for a successful read.
func encodeRTUResponse(unitID byte, regs []uint16) []byte {
	data := encodeRegisters(regs)
	pdu := append([]byte{unitID, funcReadHoldingRegisters, byte(len(data))}, data...)
	crc := crc16.Checksum(pdu, rtuCRCTable)
	out := make([]byte, len(pdu)+2)
	copy(out, pdu)
	out[len(pdu)] = byte(crc)
	out[len(pdu)+1] = byte(crc >> 8)
	return out
}

// encodeRTUException builds the RTU exception frame.
func encodeRTUException(unitID byte, code byte) []byte {
	pdu := []byte{unitID, funcReadHoldingRegisters | 0x80, code}
	crc := crc16.Checksum(pdu, rtuCRCTable)
	out := make([]byte, len(pdu)+2)
	copy(out, pdu)
	out[len(pdu)] = byte(crc)
	out[len(pdu)+1] = byte(crc >> 8)
	return out
}

// encodeRegisters packs each register big-endian, the Modbus wire byte
// order.
func encodeRegisters(regs []uint16) []byte {
	out := make([]byte, 2*len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// validateAddressRange checks start/quantity against the bank bounds and
// the per-request register count Modbus function 0x03 permits.
func validateAddressRange(startAddr, quantity uint16, bankLen int) error {
	if quantity == 0 || quantity > 125 {
		return &errExceptionResponse{code: exceptionIllegalDataValue}
	}
	if int(startAddr)+int(quantity) > bankLen {
		return &errExceptionResponse{code: exceptionIllegalDataAddress}
	}
	return nil
}

package modbusserver

import (
	"encoding/binary"
	"testing"

	"github.com/sigurn/crc16"
)

func TestDecodeTCPRequestRoundTrip(t *testing.T) {
	var header [7]byte
	binary.BigEndian.PutUint16(header[0:2], 42)
	header[6] = 1

	body := []byte{funcReadHoldingRegisters, 0x9C, 0x44, 0x00, 0x02} // start 40004, qty 2

	r, err := decodeTCPRequest(header, body)
	if err != nil {
		t.Fatalf("decodeTCPRequest returned error: %v", err)
	}
	if r.transactionID != 42 || r.unitID != 1 || r.startAddr != 0x9C44 || r.quantity != 2 {
		t.Fatalf("decoded request mismatch: %+v", r)
	}
}

func TestDecodeTCPRequestRejectsUnsupportedFunction(t *testing.T) {
	var header [7]byte
	body := []byte{0x06, 0, 0, 0, 0}
	r, err := decodeTCPRequest(header, body)
	if err == nil {
		t.Fatal("expected an exception error for an unsupported function code")
	}
	exc, ok := err.(*errExceptionResponse)
	if !ok || exc.code != exceptionIllegalFunction {
		t.Fatalf("expected illegal function exception, got %v", err)
	}
	_ = r
}

func TestEncodeTCPResponseRoundTrip(t *testing.T) {
	var header [7]byte
	binary.BigEndian.PutUint16(header[0:2], 7)
	header[6] = 3
	body := []byte{funcReadHoldingRegisters, 0, 40, 0, 2}
	r, _ := decodeTCPRequest(header, body)

	resp := encodeTCPResponse(r, 3, []uint16{0x1234, 0xABCD})
	if len(resp) != 7+1+1+4 {
		t.Fatalf("response length = %d, want %d", len(resp), 13)
	}
	if binary.BigEndian.Uint16(resp[0:2]) != 7 {
		t.Fatalf("transaction id not echoed back")
	}
	if resp[6] != 3 {
		t.Fatalf("unit id not echoed back")
	}
	if resp[7] != funcReadHoldingRegisters {
		t.Fatalf("unexpected function code %x", resp[7])
	}
	if resp[8] != 4 {
		t.Fatalf("byte count = %d, want 4", resp[8])
	}
	if binary.BigEndian.Uint16(resp[9:11]) != 0x1234 || binary.BigEndian.Uint16(resp[11:13]) != 0xABCD {
		t.Fatalf("register data mismatch: %x", resp[9:13])
	}
}

func buildRTURequest(unitID byte, fn byte, addr, qty uint16) []byte {
	pdu := make([]byte, 6)
	pdu[0] = unitID
	pdu[1] = fn
	binary.BigEndian.PutUint16(pdu[2:4], addr)
	binary.BigEndian.PutUint16(pdu[4:6], qty)
	table := crc16.MakeTable(crc16.CRC16_MODBUS)
	crc := crc16.Checksum(pdu, table)
	out := append(pdu, byte(crc), byte(crc>>8))
	return out
}

func TestDecodeRTURequestValid(t *testing.T) {
	frame := buildRTURequest(5, funcReadHoldingRegisters, 40000, 2)
	r, ok, excErr := decodeRTURequest(frame, 5)
	if !ok || excErr != nil {
		t.Fatalf("expected ok, got ok=%v excErr=%v", ok, excErr)
	}
	if r.startAddr != 40000 || r.quantity != 2 {
		t.Fatalf("decoded request mismatch: %+v", r)
	}
}

func TestDecodeRTURequestWrongSlaveIDIgnored(t *testing.T) {
	frame := buildRTURequest(5, funcReadHoldingRegisters, 40000, 2)
	_, ok, _ := decodeRTURequest(frame, 9)
	if ok {
		t.Fatal("expected a slave-id mismatch to be silently ignored")
	}
}

func TestDecodeRTURequestBadCRCIgnored(t *testing.T) {
	frame := buildRTURequest(5, funcReadHoldingRegisters, 40000, 2)
	frame[len(frame)-1] ^= 0xFF
	_, ok, _ := decodeRTURequest(frame, 5)
	if ok {
		t.Fatal("expected a bad CRC to be silently ignored")
	}
}

func TestEncodeRTUResponseCRCValidates(t *testing.T) {
	resp := encodeRTUResponse(5, []uint16{1, 2, 3})
	plen := len(resp) - 2
	table := crc16.MakeTable(crc16.CRC16_MODBUS)
	want := crc16.Checksum(resp[:plen], table)
	got := uint16(resp[plen]) | uint16(resp[plen+1])<<8
	if want != got {
		t.Fatalf("CRC mismatch: want %04X got %04X", want, got)
	}
}

func TestValidateAddressRangeRejectsOutOfBounds(t *testing.T) {
	if err := validateAddressRange(65530, 10, 65536); err == nil {
		t.Fatal("expected an exception for a request exceeding the bank length")
	}
	if err := validateAddressRange(0, 0, 65536); err == nil {
		t.Fatal("expected an exception for a zero quantity request")
	}
	if err := validateAddressRange(0, 126, 65536); err == nil {
		t.Fatal("expected an exception for a quantity over the FC3 limit")
	}
}

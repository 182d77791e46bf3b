package serialio

import (
	"bytes"
	"strings"
	"testing"

	"github.com/NotCoffee418/meterbridge/internal/errs"
)

func alwaysRunning() bool { return true }

func TestReadOneGoldenTelegram(t *testing.T) {
	telegram := "/EBZ5DD3BZ06ETA_107\n\n" +
		"1-0:0.0.0*255(1EBZ0100507409)\n" +
		"1-0:96.1.0*255(1EBZ0100507409)\n" +
		"1-0:1.8.0*255(000125.25688570*kWh)\n" +
		"1-0:16.7.0*255(000259.20*W)\n" +
		"1-0:36.7.0*255(000075.18*W)\n" +
		"1-0:56.7.0*255(000092.34*W)\n" +
		"1-0:76.7.0*255(000091.68*W)\n" +
		"1-0:32.7.0*255(232.4*V)\n" +
		"1-0:52.7.0*255(231.7*V)\n" +
		"1-0:72.7.0*255(233.7*V)\n" +
		"1-0:96.5.0*255(001C0104)\n" +
		"0-0:96.8.0*255(00104443)\n" +
		"!\r\n"

	f := newFramerForReader(bytes.NewReader([]byte(telegram)), alwaysRunning)
	got, err := f.ReadOne()
	if err != nil {
		t.Fatalf("ReadOne returned error: %v", err)
	}
	if got != telegram {
		t.Fatalf("framed telegram mismatch:\n got: %q\nwant: %q", got, telegram)
	}
	if len(got) > MaxTelegramLen {
		t.Fatalf("telegram exceeds MaxTelegramLen: %d", len(got))
	}
	if got[len(got)-3] != '!' {
		t.Fatalf("terminator not at len-3: %q", got[len(got)-3:])
	}
}

func TestReadOneSkipsNoiseBeforeStart(t *testing.T) {
	input := "garbage-before-start/A_1\n!\r\n"
	f := newFramerForReader(strings.NewReader(input), alwaysRunning)
	got, err := f.ReadOne()
	if err != nil {
		t.Fatalf("ReadOne returned error: %v", err)
	}
	if got[0] != '/' {
		t.Fatalf("expected framed telegram to start with '/', got %q", got)
	}
	if strings.Contains(got, "garbage") {
		t.Fatalf("leading noise leaked into framed telegram: %q", got)
	}
}

func TestReadOneOutOfSync(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("AAAA/")
	for sb.Len() < MaxTelegramLen+32 {
		sb.WriteString("X")
	}
	f := newFramerForReader(strings.NewReader(sb.String()), alwaysRunning)
	_, err := f.ReadOne()
	e, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T: %v", err, err)
	}
	if e.Code != errs.CodeOutOfSync {
		t.Fatalf("expected CodeOutOfSync, got %v", e.Code)
	}
}

func TestReadOneShutdownCheckedBeforeBlockingRead(t *testing.T) {
	calls := 0
	isRunning := func() bool {
		calls++
		return false
	}
	f := newFramerForReader(strings.NewReader("/A_1\n!\r\n"), isRunning)
	_, err := f.ReadOne()
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CodeShutdown || e.Severity != errs.ShutdownInProgress {
		t.Fatalf("expected shutdown error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected isRunning to be checked once before any read, got %d calls", calls)
	}
}

func TestReadOneTimeoutOnEmptyRead(t *testing.T) {
	f := newFramerForReader(bytes.NewReader(nil), alwaysRunning)
	_, err := f.ReadOne()
	e, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T: %v", err, err)
	}
	// bytes.Reader on empty buffer returns (0, io.EOF), which our wrapper
	// classifies as Closed; a real VTIME timeout from the kernel would be
	// (0, nil) and classify as Timeout instead. Both are Transient.
	if e.Severity != errs.Transient {
		t.Fatalf("expected Transient severity, got %v", e.Severity)
	}
}

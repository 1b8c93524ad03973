package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"[%s] frame %d", []interface{}{"bitmap_alloc", 42}, "[bitmap_alloc] frame 42"},
		{"addr: 0x%16x", []interface{}{uintptr(0xbadf00d)}, "addr: 0x         badf00d"},
		{"addr: 0x%016x", []interface{}{uint64(0xbadf00d)}, "addr: 0x000000000badf00d"},
		{"%t", []interface{}{true}, "true"},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		Printf(spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestEarlyPrintBuffer(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	if GetOutputSink() != nil {
		t.Fatal("expected output sink to be nil")
	}

	Printf("[%s] buffered\n", "boot")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if GetOutputSink() != &buf {
		t.Fatal("expected output sink to be updated")
	}

	if got := buf.String(); !strings.HasSuffix(got, "[boot] buffered\n") {
		t.Fatalf("expected early output to be flushed to the sink; got %q", got)
	}

	if earlyPrintBuffer.Len() != 0 {
		t.Fatalf("expected early buffer to be drained; %d bytes left", earlyPrintBuffer.Len())
	}
}

func TestFprintfNilWriter(t *testing.T) {
	defer SetOutputSink(nil)

	Fprintf(nil, "%s", "into ring")

	var buf bytes.Buffer
	SetOutputSink(&buf)
	if got := buf.String(); !strings.HasSuffix(got, "into ring") {
		t.Fatalf("expected Fprintf(nil) output to end up in the early buffer; got %q", got)
	}
}

package codebuf_test

import (
	"testing"

	"github.com/minz/tcg/pkg/codebuf"
)

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := codebuf.New(0); err == nil {
		t.Fatal("expected an error for a zero-size buffer")
	}
	if _, err := codebuf.New(-1); err == nil {
		t.Fatal("expected an error for a negative-size buffer")
	}
}

func TestBytesLenCoversRequestedSize(t *testing.T) {
	buf, err := codebuf.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()
	if len(buf.Bytes()) < 4096 {
		t.Fatalf("expected at least 4096 bytes, got %d", len(buf.Bytes()))
	}
}

func TestFreezeThawRoundTrip(t *testing.T) {
	buf, err := codebuf.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	buf.Bytes()[0] = 0xC9 // a harmless one-byte instruction (RET on the Z80)
	if err := buf.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if err := buf.Freeze(); err != nil {
		t.Fatalf("second Freeze should be a no-op, got: %v", err)
	}
	if err := buf.Thaw(); err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	buf.Bytes()[0] = 0x90
	if err := buf.Freeze(); err != nil {
		t.Fatalf("re-Freeze after Thaw: %v", err)
	}
}

func TestAddrIsNonZeroForANonEmptyBuffer(t *testing.T) {
	buf, err := codebuf.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()
	if buf.Addr() == 0 {
		t.Fatal("expected a non-zero base address")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buf, err := codebuf.New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

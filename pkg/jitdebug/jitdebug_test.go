package jitdebug

import (
	"encoding/binary"
	"testing"
)

func testCIEFDE() ([]byte, int) {
	// A CIE followed by an FDE-shaped template with 4-byte func_start and
	// func_len placeholders at a fixed offset, standing in for a real
	// host-supplied .debug_frame template.
	buf := make([]byte, 32)
	const frameStartOff = 16
	return buf, frameStartOff
}

func TestBuildImageHasValidELFHeader(t *testing.T) {
	cieFDE, off := testCIEFDE()
	img, err := BuildImage("code_gen_buffer", 0x4000, 128, cieFDE, off)
	if err != nil {
		t.Fatalf("BuildImage: %v", err)
	}
	if len(img) < elfHeaderLen {
		t.Fatalf("image too short: %d bytes", len(img))
	}
	if string(img[:4]) != "\x7fELF" {
		t.Fatalf("bad ELF magic: %x", img[:4])
	}
	if img[4] != 2 {
		t.Fatalf("expected ELFCLASS64, got %d", img[4])
	}
	if img[5] != 1 {
		t.Fatalf("expected little-endian, got %d", img[5])
	}
	shnum := binary.LittleEndian.Uint16(img[60:62])
	if shnum != 8 {
		t.Fatalf("expected 8 section headers, got %d", shnum)
	}
	shoff := binary.LittleEndian.Uint64(img[40:48])
	if shoff == 0 || shoff > uint64(len(img)) {
		t.Fatalf("e_shoff %d out of range for %d-byte image", shoff, len(img))
	}
}

func TestBuildImagePatchesFrameStartAndLen(t *testing.T) {
	cieFDE, off := testCIEFDE()
	const addr, size = 0x8000, 64
	img, err := BuildImage("fn", addr, size, cieFDE, off)
	if err != nil {
		t.Fatalf("BuildImage: %v", err)
	}
	// .debug_frame is the 6th non-null section (index 6); locate it by
	// walking section headers rather than assuming a fixed file offset.
	shoff := binary.LittleEndian.Uint64(img[40:48])
	const debugFrameIndex = 6
	hdr := img[shoff+uint64(debugFrameIndex)*shEntLen:]
	frameOff := binary.LittleEndian.Uint64(hdr[24:32])
	frameSize := binary.LittleEndian.Uint64(hdr[32:40])
	if frameSize != uint64(len(cieFDE)) {
		t.Fatalf("debug_frame size = %d, want %d", frameSize, len(cieFDE))
	}
	got := img[frameOff:][off : off+8]
	wantStart := binary.LittleEndian.Uint32(got[:4])
	wantLen := binary.LittleEndian.Uint32(got[4:8])
	if wantStart != addr || wantLen != size {
		t.Fatalf("patched func_start/func_len = %d/%d, want %d/%d", wantStart, wantLen, addr, size)
	}
}

func TestBuildImageRejectsShortTemplate(t *testing.T) {
	_, err := BuildImage("fn", 0, 0, []byte{1, 2, 3}, 0)
	if err == nil {
		t.Fatal("expected an error for a template too short to hold func_start/func_len")
	}
}

func TestPublishLinksEntryAndUnpublishUnlinks(t *testing.T) {
	cieFDE, off := testCIEFDE()
	entry, err := Publish("code_gen_buffer", 0x4000, 128, cieFDE, off)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if globalDescriptor.firstEntry != entry {
		t.Fatal("expected the published entry to become the list head")
	}
	if globalDescriptor.actionFlag != jitRegisterFn {
		t.Fatalf("actionFlag = %v, want jitRegisterFn", globalDescriptor.actionFlag)
	}
	if entry.SymfileSize == 0 {
		t.Fatal("expected a non-zero SymfileSize")
	}

	second, err := Publish("code_gen_buffer_2", 0x5000, 64, cieFDE, off)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if second.Next != entry || entry.Prev != second {
		t.Fatal("expected the new entry to be linked in front of the previous head")
	}

	Unpublish(second)
	if globalDescriptor.firstEntry != entry {
		t.Fatal("expected unpublishing the head to restore the previous entry as head")
	}
	if globalDescriptor.actionFlag != jitUnregisterFn {
		t.Fatalf("actionFlag = %v, want jitUnregisterFn", globalDescriptor.actionFlag)
	}

	Unpublish(entry)
	if globalDescriptor.firstEntry != nil {
		t.Fatal("expected the list to be empty after unpublishing both entries")
	}
}

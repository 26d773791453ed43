package arena

import "testing"

func TestAllocBumpsWithinChunk(t *testing.T) {
	a := New()
	b1 := a.Alloc(16)
	b2 := a.Alloc(16)
	if len(b1) != 16 || len(b2) != 16 {
		t.Fatalf("wrong lengths: %d %d", len(b1), len(b2))
	}
	// Writing through one slice must not corrupt the other.
	for i := range b1 {
		b1[i] = 0xAA
	}
	for i := range b2 {
		b2[i] = 0xBB
	}
	for i, v := range b1 {
		if v != 0xAA {
			t.Fatalf("b1[%d] clobbered: %x", i, v)
		}
	}
}

func TestLargeAllocBecomesStandaloneSegment(t *testing.T) {
	a := New()
	big := a.Alloc(chunkSize + 1)
	if len(big) != chunkSize+1 {
		t.Fatalf("wrong length: %d", len(big))
	}
	if len(a.large) != 1 {
		t.Fatalf("expected one large segment, got %d", len(a.large))
	}
	if a.cur != nil {
		t.Fatalf("large alloc should not touch the current chunk")
	}
}

func TestResetRewindsChunksAndDropsLarge(t *testing.T) {
	a := New()
	a.Alloc(16)
	a.Alloc(chunkSize + 8)
	if a.Allocs() != 2 {
		t.Fatalf("expected 2 allocs, got %d", a.Allocs())
	}
	a.Reset()
	if a.Allocs() != 0 {
		t.Fatalf("Allocs should reset to 0")
	}
	if len(a.large) != 0 {
		t.Fatalf("large segments should be dropped on reset")
	}
	if len(a.free) == 0 {
		t.Fatalf("chunk should have been rewound onto the free-list")
	}
	// Reusing after reset should pull the rewound chunk, not allocate a new one.
	freeBefore := len(a.free)
	a.Alloc(8)
	if len(a.free) != freeBefore-1 {
		t.Fatalf("expected a rewound chunk to be reused")
	}
}

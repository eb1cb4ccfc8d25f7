package types

import "testing"

func TestParsePath(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"a/b/c", false},
		{"file.txt", false},
		{"", true},
		{"/abs", true},
		{"a/../b", true},
		{"a//b", true},
		{".", true},
	}
	for _, c := range cases {
		p, err := ParsePath(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParsePath(%q): want error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePath(%q): unexpected error: %v", c.in, err)
			continue
		}
		if p.String() != c.in {
			t.Errorf("ParsePath(%q): got %q", c.in, p.String())
		}
	}
}

func TestPathWithin(t *testing.T) {
	p := MustParsePath("a/b.txt")
	if got := p.Within("/root"); got != "/root/a/b.txt" {
		t.Errorf("Within: got %q", got)
	}
}

func TestHashZero(t *testing.T) {
	var h Hash
	if !h.IsZero() {
		t.Error("zero Hash should report IsZero")
	}
	if HashBytes([]byte("x")).IsZero() {
		t.Error("non-empty content hash should not be zero")
	}
}

func TestByteRangeChunked(t *testing.T) {
	r := NewByteRange(0, 10)
	chunks := r.Chunked(3)
	want := []ByteRange{{0, 3}, {3, 6}, {6, 9}, {9, 10}}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if c != want[i] {
			t.Errorf("chunk %d: got %+v, want %+v", i, c, want[i])
		}
	}
}

func TestByteRangesAddMerges(t *testing.T) {
	b := NewByteRanges(NewByteRange(0, 5), NewByteRange(5, 10), NewByteRange(20, 30))
	ranges := b.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("expected adjacent ranges to merge, got %+v", ranges)
	}
	if ranges[0] != (ByteRange{0, 10}) || ranges[1] != (ByteRange{20, 30}) {
		t.Errorf("unexpected merge result: %+v", ranges)
	}
}

func TestByteRangesSubtraction(t *testing.T) {
	b := Single(0, 100)
	sub := Single(20, 40)
	result := b.Subtraction(sub)
	ranges := result.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("got %+v", ranges)
	}
	if ranges[0] != (ByteRange{0, 20}) || ranges[1] != (ByteRange{40, 100}) {
		t.Errorf("unexpected subtraction result: %+v", ranges)
	}
	if result.Bytecount() != 80 {
		t.Errorf("bytecount: got %d, want 80", result.Bytecount())
	}
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(2)
	sem.Acquire()
	sem.Acquire()
	done := make(chan struct{})
	go func() {
		sem.Acquire() // blocks until a Release below
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("third Acquire should have blocked")
	default:
	}
	sem.Release()
	<-done
}

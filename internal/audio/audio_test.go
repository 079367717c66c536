package audio

import (
	"testing"
	"time"
)

func TestBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	out := BytesToInt16(Int16ToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], out[i])
		}
	}
}

func TestBufferDuration(t *testing.T) {
	buf := Buffer{Format: Format{SampleRate: 16000, Channels: 2}, Samples: make([]int16, 32000)}
	if buf.Frames() != 16000 {
		t.Fatalf("expected 16000 frames, got %d", buf.Frames())
	}
	if buf.Duration() != time.Second {
		t.Fatalf("expected 1s, got %s", buf.Duration())
	}
}

func TestRMS(t *testing.T) {
	silent := Buffer{Format: Format{SampleRate: 8000, Channels: 1}, Samples: make([]int16, 100)}
	if silent.RMS() != 0 {
		t.Fatalf("expected silent rms 0, got %f", silent.RMS())
	}
	loud := Buffer{Format: Format{SampleRate: 8000, Channels: 1}, Samples: []int16{16384, -16384, 16384, -16384}}
	if rms := loud.RMS(); rms < 0.49 || rms > 0.51 {
		t.Fatalf("expected rms ~0.5, got %f", rms)
	}
}

func TestFloatConversionsClamp(t *testing.T) {
	got := Float32ToInt16([]float32{2, -2, 0})
	if got[0] != 32767 || got[1] != -32767 || got[2] != 0 {
		t.Fatalf("unexpected clamp result %v", got)
	}
	back := Float64ToInt16([]float64{1.5, -1.5})
	if back[0] != 32767 || back[1] != -32768 {
		t.Fatalf("unexpected clamp result %v", back)
	}
}

func TestChunkerBlocks(t *testing.T) {
	format := Format{SampleRate: 1000, Channels: 1}
	c := NewChunker(4)

	var blocks []Buffer
	emit := func(b Buffer) { blocks = append(blocks, b) }

	c.Push(Buffer{Format: format, Samples: []int16{1, 2, 3}}, emit)
	if len(blocks) != 0 {
		t.Fatalf("expected no block yet, got %d", len(blocks))
	}
	c.Push(Buffer{Format: format, Samples: []int16{4, 5, 6, 7, 8, 9}, Offset: 3 * time.Millisecond}, emit)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Samples[0] != 1 || blocks[1].Samples[0] != 5 {
		t.Fatalf("unexpected block contents %v %v", blocks[0].Samples, blocks[1].Samples)
	}
	if blocks[1].Offset != 4*time.Millisecond {
		t.Fatalf("expected second block at 4ms, got %s", blocks[1].Offset)
	}

	c.Flush(emit)
	if len(blocks) != 3 || len(blocks[2].Samples) != 1 || blocks[2].Samples[0] != 9 {
		t.Fatalf("expected flushed remainder [9], got %v", blocks[len(blocks)-1].Samples)
	}
}

func TestChunkerFormatChangeFlushes(t *testing.T) {
	c := NewChunker(8)
	var blocks []Buffer
	emit := func(b Buffer) { blocks = append(blocks, b) }

	c.Push(Buffer{Format: Format{SampleRate: 8000, Channels: 1}, Samples: []int16{1, 2}}, emit)
	c.Push(Buffer{Format: Format{SampleRate: 16000, Channels: 1}, Samples: []int16{3}}, emit)
	if len(blocks) != 1 || blocks[0].Format.SampleRate != 8000 {
		t.Fatalf("expected pending 8k samples flushed on format change, got %+v", blocks)
	}
}

package audio

import "time"

// Chunker rebuffers an arbitrary stream of buffers into blocks of exactly
// Size frames. It is not safe for concurrent use.
type Chunker struct {
	size    int
	format  Format
	pending []int16
	offset  time.Duration
	emitted int
}

// NewChunker returns a chunker emitting blocks of size frames.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = 1024
	}
	return &Chunker{size: size}
}

// Push appends buf and calls emit once per complete block. A format change
// flushes whatever is pending first.
func (c *Chunker) Push(buf Buffer, emit func(Buffer)) {
	if buf.Format.Channels <= 0 || len(buf.Samples) == 0 {
		return
	}
	if c.format != buf.Format {
		c.Flush(emit)
		c.format = buf.Format
		c.offset = buf.Offset
		c.emitted = 0
	}
	if len(c.pending) == 0 {
		c.offset = buf.Offset
		c.emitted = 0
	}
	c.pending = append(c.pending, buf.Samples...)

	block := c.size * c.format.Channels
	for len(c.pending) >= block {
		out := Buffer{
			Format:  c.format,
			Samples: append([]int16(nil), c.pending[:block]...),
			Offset:  c.offset + c.format.Duration(c.emitted),
		}
		c.emitted += c.size
		c.pending = c.pending[block:]
		emit(out)
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
}

// Flush emits the pending partial block, if any.
func (c *Chunker) Flush(emit func(Buffer)) {
	if len(c.pending) == 0 {
		return
	}
	out := Buffer{
		Format:  c.format,
		Samples: append([]int16(nil), c.pending...),
		Offset:  c.offset + c.format.Duration(c.emitted),
	}
	c.pending = nil
	c.emitted = 0
	emit(out)
}

// Reset drops pending samples.
func (c *Chunker) Reset() {
	c.pending = nil
	c.emitted = 0
}

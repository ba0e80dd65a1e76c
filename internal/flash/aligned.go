package flash

// SinkFunc writes src to the destination at offset.
// len(src) is always the block size, except for the single short write
// emitted by Flush at the end of a stream. src is only valid for the
// duration of the call.
type SinkFunc func(src []byte, offset int) error

// AlignedWriter buffers an arbitrarily chunked stream into fixed-size blocks
// and forwards only full blocks (or the final flushed remainder) to a sink.
// Flash drivers require every program operation to be a multiple of the page
// size, so network chunk boundaries must never reach the driver directly.
//
// AlignedWriter is not safe for concurrent use.
type AlignedWriter struct {
	block  []byte
	filled int
	offset int
	sink   SinkFunc
}

// NewAlignedWriter creates a writer staging data in block. The block size is
// len(block). It panics if block is empty or sink is nil.
func NewAlignedWriter(block []byte, sink SinkFunc) *AlignedWriter {
	if len(block) == 0 {
		panic("flash: block buffer cannot be empty")
	}
	if sink == nil {
		panic("flash: sink cannot be nil")
	}

	return &AlignedWriter{
		block: block,
		sink:  sink,
	}
}

// Write copies p into the block buffer, emitting every block that becomes
// full. On the first sink failure it returns the number of bytes of p taken
// by the writer so far together with the sink error. Blocks emitted before
// the failure stay committed and the failed block stays staged.
func (w *AlignedWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		c := copy(w.block[w.filled:], p)
		p = p[c:]
		n += c
		w.filled += c

		if w.filled == len(w.block) {
			if err := w.sink(w.block, w.offset); err != nil {
				return n, err
			}
			w.offset += w.filled
			w.filled = 0
		}
	}

	return n, nil
}

// Flush emits the staged partial block, if any. It is the only path that
// produces a short write and must only be called once, at end of stream.
func (w *AlignedWriter) Flush() error {
	if w.filled == 0 {
		return nil
	}

	if err := w.sink(w.block[:w.filled], w.offset); err != nil {
		return err
	}
	w.offset += w.filled
	w.filled = 0

	return nil
}

// Offset returns the destination offset of the next emitted block, which is
// also the number of bytes emitted so far.
func (w *AlignedWriter) Offset() int {
	return w.offset
}

// Buffered returns the number of bytes staged but not yet emitted.
func (w *AlignedWriter) Buffered() int {
	return w.filled
}

// Size returns the block size.
func (w *AlignedWriter) Size() int {
	return len(w.block)
}

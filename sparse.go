package tar

import "github.com/valyala/bytebufferpool"

// sparseMapEntry is one (offset, numBytes) region of a sparse file's map:
// numBytes bytes of real, present data begin at offset in the
// reconstructed virtual file.
type sparseMapEntry struct {
	offset   int64
	numBytes int64
}

const sparseZeroChunkSize = 64 * 1024

var sparseZeroSeed = make([]byte, sparseZeroChunkSize)
var sparseZeroBufferPool bytebufferpool.Pool

// sparseReconstructor turns a stream of packed sparse archive data into the
// reconstructed virtual file it represents, filling the gaps the packed
// stream omits with zeros. Bytes are delivered downstream via sink as soon
// as they are available; push may call sink any number of times per call.
type sparseReconstructor struct {
	entries  []sparseMapEntry
	realSize int64
	sink     func([]byte) error

	idx              int
	virtualPos       int64
	remainingInEntry int64
	ended            bool
	zero             *bytebufferpool.ByteBuffer
}

// newSparseReconstructor validates sp against the invariants the decoder
// relies on (non-negative, non-overlapping, within realSize) and
// constructs a reconstructor ready to receive packed data via push.
func newSparseReconstructor(sp []sparseMapEntry, realSize int64, sink func([]byte) error) (*sparseReconstructor, error) {
	if realSize < 0 {
		return nil, newDecodeError(KindInvalidFormat, -1, nil)
	}
	for i, e := range sp {
		switch {
		case e.offset < 0 || e.numBytes < 0:
			return nil, newDecodeError(KindInvalidFormat, -1, nil)
		case e.numBytes > realSize-e.offset:
			return nil, newDecodeError(KindInvalidFormat, -1, nil)
		case i > 0 && sp[i-1].offset+sp[i-1].numBytes > e.offset:
			return nil, newDecodeError(KindInvalidFormat, -1, nil)
		}
	}

	sr := &sparseReconstructor{
		entries:  sp,
		realSize: realSize,
		sink:     sink,
		zero:     sparseZeroBufferPool.Get(),
	}
	sr.zero.Reset()
	sr.zero.Write(sparseZeroSeed)
	if len(sp) > 0 {
		sr.remainingInEntry = sp[0].numBytes
	}
	return sr, nil
}

// push feeds the next slice of packed archive bytes through the
// reconstructor, interleaving zero-filled holes as dictated by the sparse
// map and forwarding real data verbatim to sink.
func (sr *sparseReconstructor) push(data []byte) error {
	for len(data) > 0 && sr.idx < len(sr.entries) {
		cur := sr.entries[sr.idx]
		if sr.virtualPos < cur.offset {
			if err := sr.emitZeros(cur.offset - sr.virtualPos); err != nil {
				return err
			}
			sr.virtualPos = cur.offset
		}

		take := sr.remainingInEntry
		if take > int64(len(data)) {
			take = int64(len(data))
		}
		if take > 0 {
			if err := sr.sink(data[:take]); err != nil {
				return err
			}
			data = data[take:]
			sr.remainingInEntry -= take
			sr.virtualPos += take
		}

		if sr.remainingInEntry == 0 {
			sr.idx++
			if sr.idx < len(sr.entries) {
				sr.remainingInEntry = sr.entries[sr.idx].numBytes
			}
		}
	}
	if len(data) > 0 {
		return newDecodeError(KindPrecondition, -1, nil)
	}
	return nil
}

// end flushes any final hole between the last data region and realSize,
// and releases the zero buffer back to its pool. It must be called
// exactly once, after exactly Σ numBytes packed bytes have been pushed.
func (sr *sparseReconstructor) end() error {
	if sr.ended {
		return nil
	}
	if sr.virtualPos < sr.realSize {
		if err := sr.emitZeros(sr.realSize - sr.virtualPos); err != nil {
			return err
		}
		sr.virtualPos = sr.realSize
	}
	sr.ended = true
	sparseZeroBufferPool.Put(sr.zero)
	sr.zero = nil
	return nil
}

func (sr *sparseReconstructor) emitZeros(n int64) error {
	for n > 0 {
		take := n
		if take > int64(len(sr.zero.B)) {
			take = int64(len(sr.zero.B))
		}
		if err := sr.sink(sr.zero.B[:take]); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

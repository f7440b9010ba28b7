package tar

import (
	"errors"
	"io"

	"github.com/valyala/bytebufferpool"
)

// ErrStreamAdvanced is returned by Read on a ByteStream whose entry has
// already been advanced past. The handle is inert from that point on.
var ErrStreamAdvanced = errors.New("tar: stream advanced")

var streamBufferPool bytebufferpool.Pool

// ByteStream is a single archive member's payload: a finite, single-pass
// sequence of bytes the Decoder writes into as it becomes available and the
// consumer reads out of at its own pace. It is valid only until the
// consumer signals advance; after that, Read returns ErrStreamAdvanced, or
// the error the stream was aborted with if it was aborted.
type ByteStream struct {
	buf      *bytebufferpool.ByteBuffer
	readOff  int
	size     int64
	ended    bool
	detached bool
	abortErr error
}

func newByteStream(size int64) *ByteStream {
	s := &ByteStream{size: size, buf: streamBufferPool.Get()}
	s.buf.Reset()
	if size == 0 {
		s.ended = true
	}
	return s
}

// write appends decoded payload bytes. Decoder-internal: called as the
// Decoder drains the underlying archive queue, not by the consumer.
func (s *ByteStream) write(chunk []byte) {
	if s.detached || len(chunk) == 0 {
		return
	}
	s.buf.Write(chunk)
}

// close marks the stream as having received all of its declared bytes.
func (s *ByteStream) close() {
	s.ended = true
}

// abort marks the stream as terminated early by err; any further Read
// returns err instead of reaching io.EOF.
func (s *ByteStream) abort(err error) {
	s.ended = true
	s.abortErr = err
}

// detach releases the stream's buffer back to its pool and makes the
// consumer's handle inert. Called by the Decoder on Advance or Close.
func (s *ByteStream) detach() {
	if s.detached {
		return
	}
	s.detached = true
	if s.buf != nil {
		streamBufferPool.Put(s.buf)
		s.buf = nil
	}
}

// Size returns the stream's declared total length, independent of how much
// has been buffered or read so far.
func (s *ByteStream) Size() int64 { return s.size }

// Read implements io.Reader over the buffered, not-yet-read portion of the
// stream. It returns (0, nil) when the Decoder has not yet made further
// bytes available but has not reached the end either; callers that want to
// block until more data exists should drive input (Write/EndInput) between
// calls, the way this decoder's push model expects.
func (s *ByteStream) Read(p []byte) (int, error) {
	if s.detached {
		if s.abortErr != nil {
			return 0, s.abortErr
		}
		return 0, ErrStreamAdvanced
	}
	avail := s.buf.Len() - s.readOff
	if avail == 0 {
		if s.abortErr != nil {
			return 0, s.abortErr
		}
		if s.ended {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, s.buf.B[s.readOff:])
	s.readOff += n
	return n, nil
}

// Discard drops all currently buffered but unread bytes. The Decoder still
// owns draining any bytes not yet delivered to the stream; Discard only
// affects what has already landed in the buffer.
func (s *ByteStream) Discard() {
	s.readOff = s.buf.Len()
}

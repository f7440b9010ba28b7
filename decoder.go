package tar

import (
	"log/slog"

	"golang.org/x/text/encoding"
)

type decoderState int

const (
	stateReadingHeader decoderState = iota
	stateFileData
	statePadding
	stateExtension
	stateSparseExtended
	stateSparseData
	stateEnded
)

// Result is one item the Decoder has produced: either a ready Entry, the
// Finish sentinel, a terminal error, or (from PollNext) neither, meaning
// the Decoder is waiting for more input or for Advance.
type Result struct {
	Entry    *Entry
	Pending  bool
	Finished bool
	Err      error
}

// Decoder turns a sequence of input byte chunks into a sequence of
// (Header, ByteStream) entries. It holds at most one entry's stream open
// at a time; the consumer must call Advance before the next entry is
// produced. Decoder is not safe for concurrent use; it is meant to be
// driven from a single goroutine, the way the state machine it implements
// is itself single-threaded.
type Decoder struct {
	enc                encoding.Encoding
	allowUnknownFormat bool
	logger             *slog.Logger

	queue byteQueue
	ext   extensionStore

	state        decoderState
	locked       bool
	pendingEntry *Entry

	currentHeader *Header
	extKind       EntryType
	extRemaining  int64

	paddingRemaining int64
	entryRemaining   int64

	sparseEntries       []sparseMapEntry
	sparseRealSize      int64
	sparseRecon         *sparseReconstructor
	sparseDataRemaining int64

	inputOffset int64
	inputEnded  bool
	closed      bool

	outbox []Result

	onEntry  func(*Header, *ByteStream, func())
	onFinish func()
	onError  func(error)
}

// New constructs a Decoder ready to receive input via Write.
func New(opts ...Option) *Decoder {
	d := &Decoder{state: stateReadingHeader, logger: discardLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEntry registers a callback invoked for each produced Entry, along with
// an advance function equivalent to calling d.Advance. Registering a
// callback immediately delivers any entry already waiting in the outbox.
func (d *Decoder) OnEntry(fn func(*Header, *ByteStream, func())) {
	d.onEntry = fn
	d.drainCallbacks()
}

// OnFinish registers a callback invoked once, when the archive terminator
// block has been seen.
func (d *Decoder) OnFinish(fn func()) {
	d.onFinish = fn
	d.drainCallbacks()
}

// OnError registers a callback invoked once, for a terminal decode error.
func (d *Decoder) OnError(fn func(error)) {
	d.onError = fn
	d.drainCallbacks()
}

// Write appends chunk to the input queue and drives the decoder as far as
// it can go. The returned bool reports whether the decoder is now locked
// awaiting Advance; callers may use it as a hint to pause further writes,
// but correctness does not depend on honoring it.
func (d *Decoder) Write(chunk []byte) (bool, error) {
	if d.closed {
		return d.locked, newDecodeError(KindAborted, d.inputOffset, nil)
	}
	if len(chunk) > 0 {
		owned := make([]byte, len(chunk))
		copy(owned, chunk)
		d.queue.append(owned)
	}
	d.runLoop()
	d.drainCallbacks()
	return d.locked, nil
}

// EndInput marks the input exhausted and drives the decoder to its final
// state. EOF sitting exactly on a header boundary (no archive terminator
// block, nothing buffered) is tolerated as a quiet Finish, matching how
// archive/tar treats a stream that ends without the trailing zero blocks.
// Any other non-Ended state at EOF is TruncatedArchive, including a locked
// entry whose payload (file data or sparse data) is not yet fully
// delivered: a lock by itself only means the caller has not called
// Advance yet, not that the entry's bytes all arrived.
func (d *Decoder) EndInput() error {
	if d.inputEnded || d.closed {
		return nil
	}
	d.inputEnded = true
	d.runLoop()

	entryComplete := d.locked && d.entryRemaining == 0 && d.sparseDataRemaining == 0

	switch {
	case d.state == stateEnded, entryComplete:
		// Either already terminated, or a complete entry is still
		// awaiting Advance; neither is truncation.
	case d.state == stateReadingHeader && d.queue.len() == 0:
		d.state = stateEnded
		d.emitFinish()
	default:
		d.state = stateEnded
		d.emitError(newDecodeError(KindTruncatedArchive, d.inputOffset, nil))
	}
	d.drainCallbacks()
	return nil
}

// Advance releases the currently pending entry. Any of its stream bytes
// not yet consumed by the caller are discarded by the decoder itself as
// decoding continues; Advance does not require the stream to be drained.
func (d *Decoder) Advance() {
	if !d.locked {
		return
	}
	if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
		d.pendingEntry.Stream.Discard()
		d.pendingEntry.Stream.detach()
	}
	d.pendingEntry = nil
	d.locked = false
	d.runLoop()
	d.drainCallbacks()
}

// PollNext returns the next produced Result, or a Pending result if none
// is available yet. It is an alternative to the OnEntry/OnFinish/OnError
// callbacks, interchangeable with them on the same Decoder.
func (d *Decoder) PollNext() Result {
	if len(d.outbox) == 0 {
		return Result{Pending: true}
	}
	r := d.outbox[0]
	d.outbox = d.outbox[1:]
	return r
}

// Close cancels decoding: any pending entry's stream is aborted, buffered
// input is discarded, and the decoder transitions to Ended. Further Write
// calls return an Aborted error.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
		d.pendingEntry.Stream.abort(ErrAborted)
		d.pendingEntry.Stream.detach()
	}
	d.pendingEntry = nil
	d.locked = false
	d.queue.clear()
	d.ext.releaseAccum()
	if d.sparseRecon != nil {
		d.sparseRecon.end()
		d.sparseRecon = nil
	}
	if d.state != stateEnded {
		d.state = stateEnded
		d.emitError(newDecodeError(KindAborted, d.inputOffset, nil))
	}
	d.drainCallbacks()
	return nil
}

// drainCallbacks delivers as many queued results as possible to whichever
// callbacks are registered, leaving anything without a registered
// callback in the outbox for PollNext.
func (d *Decoder) drainCallbacks() {
	for len(d.outbox) > 0 {
		r := d.outbox[0]
		switch {
		case r.Entry != nil && d.onEntry != nil:
			d.outbox = d.outbox[1:]
			d.onEntry(r.Entry.Header, r.Entry.Stream, d.Advance)
		case r.Finished && d.onFinish != nil:
			d.outbox = d.outbox[1:]
			d.onFinish()
		case r.Err != nil && d.onError != nil:
			d.outbox = d.outbox[1:]
			d.onError(r.Err)
		default:
			return
		}
	}
}

func (d *Decoder) emitEntry(e *Entry) {
	d.outbox = append(d.outbox, Result{Entry: e})
}

func (d *Decoder) emitFinish() {
	d.outbox = append(d.outbox, Result{Finished: true})
}

// emitError delivers a fatal error to the main sink and, if an entry
// stream is currently live, aborts it with the same error so a consumer
// blocked reading that stream unblocks too.
func (d *Decoder) emitError(err error) {
	if de, ok := err.(*DecodeError); ok && de.Offset < 0 {
		de.Offset = d.inputOffset
	}
	d.logger.Error("tar: decode failed", "error", err)
	if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
		d.pendingEntry.Stream.abort(err)
	}
	d.outbox = append(d.outbox, Result{Err: err})
}

// runLoop advances the state machine until no further progress is
// possible without more input or without the consumer calling Advance.
func (d *Decoder) runLoop() {
	for {
		var progressed bool
		switch d.state {
		case stateReadingHeader:
			progressed = d.stepReadingHeader()
		case stateFileData:
			progressed = d.stepFileData()
		case statePadding:
			progressed = d.stepPadding()
		case stateExtension:
			progressed = d.stepExtension()
		case stateSparseExtended:
			progressed = d.stepSparseExtended()
		case stateSparseData:
			progressed = d.stepSparseData()
		case stateEnded:
			return
		}
		if !progressed {
			return
		}
	}
}

func (d *Decoder) stepReadingHeader() bool {
	if d.locked {
		return false
	}
	if !d.queue.has(blockSize) {
		return false
	}
	block := d.queue.consume(blockSize)
	d.inputOffset += blockSize

	ph, err := parseHeader(block, d.enc, d.allowUnknownFormat)
	if err != nil {
		d.state = stateEnded
		d.emitError(err)
		return false
	}
	if ph == nil {
		d.state = stateEnded
		d.emitFinish()
		return false
	}
	d.dispatchHeader(ph.header, block)
	return true
}

func (d *Decoder) dispatchHeader(h *Header, block []byte) {
	d.paddingRemaining = overflow(h.Size)
	switch {
	case h.Type.isExtensionMeta():
		d.extKind = h.Type
		d.ext.begin(h.Size)
		d.currentHeader = h
		d.extRemaining = h.Size
		d.state = stateExtension
	case h.Type == typeGnuSparse:
		d.handleSparseHeader(h, block)
	case h.Type == typeGnuMultiVolume:
		// A multi-volume continuation header produces no entry; its data
		// section is skipped, since stepFileData drops bytes while no entry
		// is pending.
		d.entryRemaining = h.Size
		if h.Size > 0 {
			d.state = stateFileData
		}
	default:
		d.startRealEntry(h)
	}
}

func (d *Decoder) handleSparseHeader(h *Header, block []byte) {
	entries, isExtended, realSize, err := parseOldGNUSparseMain(block)
	if err != nil {
		d.state = stateEnded
		d.emitError(err)
		return
	}
	if err := d.ext.apply(h); err != nil {
		d.state = stateEnded
		d.emitError(err)
		return
	}
	h.Size = realSize
	d.sparseRealSize = realSize
	d.sparseEntries = entries
	d.currentHeader = h
	if isExtended {
		d.state = stateSparseExtended
		return
	}
	d.setupSparseEntry()
}

func (d *Decoder) startRealEntry(h *Header) {
	if err := d.ext.apply(h); err != nil {
		d.state = stateEnded
		d.emitError(err)
		return
	}
	if h.Type.isHeaderOnly() {
		// A symlink/directory/device/fifo carries no data section even if
		// its header's size field is nonzero; don't read a phantom payload.
		h.Size = 0
		d.paddingRemaining = 0
	}
	d.entryRemaining = h.Size
	stream := newByteStream(h.Size)
	entry := &Entry{Header: h, Stream: stream}
	d.locked = true
	d.pendingEntry = entry

	if d.entryRemaining == 0 {
		stream.close()
		if d.paddingRemaining > 0 {
			d.state = statePadding
		} else {
			d.state = stateReadingHeader
		}
	} else {
		d.state = stateFileData
	}
	d.emitEntry(entry)
}

func (d *Decoder) stepFileData() bool {
	avail := d.queue.len()
	if avail == 0 {
		return false
	}
	take := d.entryRemaining
	if take > avail {
		take = avail
	}
	data := d.queue.consume(take)
	d.inputOffset += take
	if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
		d.pendingEntry.Stream.write(data)
	}
	d.entryRemaining -= take
	if d.entryRemaining == 0 {
		if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
			d.pendingEntry.Stream.close()
		}
		if d.paddingRemaining > 0 {
			d.state = statePadding
		} else {
			d.state = stateReadingHeader
		}
	}
	return true
}

func (d *Decoder) stepPadding() bool {
	avail := d.queue.len()
	if avail == 0 {
		return false
	}
	take := d.paddingRemaining
	if take > avail {
		take = avail
	}
	d.queue.consume(take)
	d.inputOffset += take
	d.paddingRemaining -= take
	if d.paddingRemaining == 0 {
		d.state = stateReadingHeader
	}
	return true
}

func (d *Decoder) stepExtension() bool {
	if d.extRemaining > 0 {
		avail := d.queue.len()
		if avail == 0 {
			return false
		}
		take := d.extRemaining
		if take > avail {
			take = avail
		}
		chunk := d.queue.consume(take)
		d.inputOffset += take
		d.ext.feed(chunk)
		d.extRemaining -= take
		return true
	}

	if err := d.ext.finalise(d.extKind, d.enc); err != nil {
		d.state = stateEnded
		d.emitError(err)
		return false
	}
	if d.paddingRemaining > 0 {
		d.state = statePadding
	} else {
		d.state = stateReadingHeader
	}
	return true
}

func (d *Decoder) stepSparseExtended() bool {
	if !d.queue.has(blockSize) {
		return false
	}
	block := d.queue.consume(blockSize)
	d.inputOffset += blockSize

	entries, isExtended, err := parseGNUSparseExtended(block)
	if err != nil {
		d.state = stateEnded
		d.emitError(err)
		return false
	}
	d.sparseEntries = append(d.sparseEntries, entries...)
	if isExtended {
		return true
	}
	d.setupSparseEntry()
	return true
}

func (d *Decoder) setupSparseEntry() {
	var total int64
	for _, e := range d.sparseEntries {
		total += e.numBytes
	}
	d.sparseDataRemaining = total
	d.paddingRemaining = overflow(total)

	d.logger.Debug("tar: sparse map constructed", "entries", len(d.sparseEntries), "real_size", d.sparseRealSize)

	h := d.currentHeader
	h.Type = TypeFile
	stream := newByteStream(d.sparseRealSize)
	entry := &Entry{Header: h, Stream: stream}

	recon, err := newSparseReconstructor(d.sparseEntries, d.sparseRealSize, func(b []byte) error {
		if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
			d.pendingEntry.Stream.write(b)
		}
		return nil
	})
	if err != nil {
		d.state = stateEnded
		d.emitError(err)
		return
	}
	d.sparseRecon = recon
	d.locked = true
	d.pendingEntry = entry

	if d.sparseDataRemaining == 0 {
		if err := d.sparseRecon.end(); err != nil {
			d.state = stateEnded
			d.emitError(err)
			return
		}
		d.sparseRecon = nil
		stream.close()
		if d.paddingRemaining > 0 {
			d.state = statePadding
		} else {
			d.state = stateReadingHeader
		}
	} else {
		d.state = stateSparseData
	}
	d.emitEntry(entry)
}

func (d *Decoder) stepSparseData() bool {
	avail := d.queue.len()
	if avail == 0 {
		return false
	}
	take := d.sparseDataRemaining
	if take > avail {
		take = avail
	}
	data := d.queue.consume(take)
	d.inputOffset += take

	if err := d.sparseRecon.push(data); err != nil {
		d.state = stateEnded
		d.emitError(err)
		return false
	}
	d.sparseDataRemaining -= take
	if d.sparseDataRemaining == 0 {
		if err := d.sparseRecon.end(); err != nil {
			d.state = stateEnded
			d.emitError(err)
			return false
		}
		d.sparseRecon = nil
		if d.pendingEntry != nil && d.pendingEntry.Stream != nil {
			d.pendingEntry.Stream.close()
		}
		d.sparseEntries = nil
		if d.paddingRemaining > 0 {
			d.state = statePadding
		} else {
			d.state = stateReadingHeader
		}
	}
	return true
}

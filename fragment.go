package tchannel

import (
	"bytes"
	"errors"
	"io"
)

// Adapted from the teacher's fragmentation.go: a multiPartWriter/Reader
// pair that splits arg2/arg3 into 2-byte-length chunks packed into a
// frame, spilling into continuation frames (flagMoreFragments) when a
// fragment fills up. The checksum-type-renegotiation-per-continuation path
// present in the teacher is dropped (see DESIGN.md "Dropped / not wired"):
// the checksum type is fixed for the whole call.
const flagMoreFragments = 0x01

var (
	ErrMismatchedChecksum = errors.New("tchannel: local checksum differs from peer")
	ErrWriteAfterComplete = errors.New("tchannel: attempted to write to a stream after the last fragment sent")
	ErrDataLeftover       = errors.New("tchannel: more data remaining in argument")

	errTooLarge                   = errors.New("tchannel: data exceeds remaining fragment size")
	errAlignedAtEndOfOpenFragment = errors.New("tchannel: align-at-end of open fragment")
	errNoOpenChunk                = errors.New("tchannel: writeChunkData/endChunk called with no open chunk")
	errChunkAlreadyOpen           = errors.New("tchannel: beginChunk called with an already open chunk")
)

// outFragment is a single frame being filled with chunk data.
type outFragment struct {
	frame      *Frame
	checksum   Checksum
	sumBytes   []byte
	chunkStart []byte
	chunkSize  int
	remaining  []byte
}

// newOutboundFragment writes the flags placeholder, checksum-type byte and
// reserved checksum bytes into frame's payload (after writeHeader has
// written any message-specific header), and returns an outFragment over
// whatever space remains for chunk data.
func newOutboundFragment(frame *Frame, checksum Checksum, writeHeader func(*wireWriter) error) (*outFragment, error) {
	w := newWireWriter(frame.Payload[:])

	// Reserve the fragment-flags byte; finish() fills it in.
	if err := w.WriteByte(0); err != nil {
		return nil, err
	}

	if writeHeader != nil {
		if err := writeHeader(w); err != nil {
			return nil, err
		}
	}

	if err := w.WriteByte(byte(checksum.TypeCode())); err != nil {
		return nil, err
	}

	sumSize := checksum.TypeCode().ChecksumSize()
	sumStart := w.pos
	if err := w.WriteRaw(make([]byte, sumSize)); err != nil {
		return nil, err
	}

	f := &outFragment{frame: frame, checksum: checksum}
	f.sumBytes = w.buf[sumStart:w.pos]
	f.remaining = w.Remaining()
	return f, nil
}

func (f *outFragment) bytesRemaining() int { return len(f.remaining) }

func (f *outFragment) chunkOpen() bool { return len(f.chunkStart) > 0 }

func (f *outFragment) canFitNewChunk() bool { return len(f.remaining) > 2 }

func (f *outFragment) beginChunk() error {
	if f.chunkOpen() {
		return errChunkAlreadyOpen
	}
	f.chunkStart = f.remaining[0:2]
	f.chunkSize = 0
	f.remaining = f.remaining[2:]
	return nil
}

func (f *outFragment) endChunk() error {
	if !f.chunkOpen() {
		return errNoOpenChunk
	}
	f.chunkStart[0] = byte(f.chunkSize >> 8)
	f.chunkStart[1] = byte(f.chunkSize)
	f.chunkStart = nil
	f.chunkSize = 0
	return nil
}

func (f *outFragment) writeChunkData(b []byte) (int, error) {
	if len(b) > len(f.remaining) {
		return 0, errTooLarge
	}
	if len(f.chunkStart) == 0 {
		return 0, errNoOpenChunk
	}
	copy(f.remaining, b)
	f.remaining = f.remaining[len(b):]
	f.chunkSize += len(b)
	f.checksum.Add(b)
	return len(b), nil
}

// finish closes any open chunk, stamps the more-fragments flag and
// checksum, and sizes the frame. It returns the frame, ready to send.
func (f *outFragment) finish(last bool) *Frame {
	if f.chunkOpen() {
		f.endChunk()
	}

	if last {
		f.frame.Payload[0] &^= byte(flagMoreFragments)
	} else {
		f.frame.Payload[0] |= flagMoreFragments
	}

	copy(f.sumBytes, f.checksum.Sum())
	f.frame.Size = len(f.frame.Payload) - len(f.remaining)
	return f.frame
}

// outFragmentSink is the capability a Connection exposes so multiPartWriter
// can obtain and flush fragments without knowing about sockets.
type outFragmentSink interface {
	// beginFragment returns a fresh fragment for this call, prepared with
	// the appropriate message header (callReq vs callReqContinue, etc).
	beginFragment() (*outFragment, error)
	// flushFragment sends f, optionally marking it the call's last frame.
	flushFragment(f *outFragment, last bool) error
}

// multiPartWriter is an io.Writer for a sequence of parts (arg2, then
// arg3), splitting large parts across fragments as needed. Callers write a
// part's bytes then call endPart.
type multiPartWriter struct {
	sink        outFragmentSink
	fragment    *outFragment
	alignsAtEnd bool
	complete    bool
}

func newMultiPartWriter(sink outFragmentSink) *multiPartWriter {
	return &multiPartWriter{sink: sink}
}

func (w *multiPartWriter) Write(b []byte) (int, error) {
	if w.complete {
		return 0, ErrWriteAfterComplete
	}

	written := 0
	for len(b) > 0 {
		if err := w.ensureOpenChunk(); err != nil {
			return written, err
		}

		remaining := w.fragment.bytesRemaining()
		if remaining < len(b) {
			if n, err := w.fragment.writeChunkData(b[:remaining]); err != nil {
				return written + n, err
			}
			if err := w.finishFragment(false); err != nil {
				return written, err
			}
			written += remaining
			b = b[remaining:]
		} else {
			if n, err := w.fragment.writeChunkData(b); err != nil {
				return written + n, err
			}
			written += len(b)
			w.alignsAtEnd = w.fragment.bytesRemaining() == 0
			b = nil
		}
	}

	if w.fragment != nil && w.fragment.bytesRemaining() == 0 {
		if err := w.finishFragment(false); err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *multiPartWriter) ensureOpenChunk() error {
	for {
		if w.fragment == nil {
			var err error
			if w.fragment, err = w.sink.beginFragment(); err != nil {
				return err
			}
		}

		if w.fragment.chunkOpen() {
			return nil
		}

		if w.fragment.canFitNewChunk() {
			return w.fragment.beginChunk()
		}

		if err := w.finishFragment(false); err != nil {
			return err
		}
	}
}

func (w *multiPartWriter) finishFragment(last bool) error {
	if w.fragment.chunkOpen() {
		w.fragment.endChunk()
	}
	if err := w.sink.flushFragment(w.fragment, last); err != nil {
		w.fragment = nil
		return err
	}
	w.fragment = nil
	return nil
}

// endPart marks the current part done; if last, the underlying fragment
// stream is finished and flushed as the call's final frame.
func (w *multiPartWriter) endPart(last bool) error {
	// A part that never opened a chunk (nothing was written to it) needs the
	// same empty marker chunk as one that filled its fragment exactly: with
	// no marker, the reader of the *next* part has nothing in this fragment
	// to tell it the previous part ended here rather than never having
	// started, and can't read what's actually its own data out of the
	// shared chunk stream. The final part of a call needs no such marker --
	// frag.last alone tells the reader there's nothing further to read.
	if !last && (w.alignsAtEnd || w.fragment == nil) {
		if w.fragment != nil {
			return errAlignedAtEndOfOpenFragment
		}
		var err error
		if w.fragment, err = w.sink.beginFragment(); err != nil {
			return err
		}
		if err := w.fragment.beginChunk(); err != nil {
			return err
		}
		w.alignsAtEnd = false
	}

	if w.fragment != nil && w.fragment.chunkOpen() {
		w.fragment.endChunk()
	}

	if last {
		if w.fragment == nil {
			var err error
			if w.fragment, err = w.sink.beginFragment(); err != nil {
				return err
			}
		}
		if err := w.sink.flushFragment(w.fragment, true); err != nil {
			return err
		}
		w.fragment = nil
		w.complete = true
	}

	return nil
}

// inFragment is a single frame's worth of received chunk data.
type inFragment struct {
	frame    *Frame
	last     bool
	checksum Checksum
	chunks   [][]byte
}

// newInboundFragment parses flags, an optional message header, checksum
// type/bytes and the chunk stream out of frame. checksum, if non-nil, is
// the running checksum established by the call's first fragment; readHeader
// reads any message-specific header fields before the checksum section.
func newInboundFragment(frame *Frame, checksum Checksum, readHeader func(*wireReader) error) (*inFragment, error) {
	r := newWireReader(frame.SizedPayload())

	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	f := &inFragment{frame: frame, last: flags&flagMoreFragments == 0}

	if readHeader != nil {
		if err := readHeader(r); err != nil {
			return nil, err
		}
	}

	checksumType, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if checksum == nil {
		checksum = ChecksumType(checksumType).New()
	}
	f.checksum = checksum

	sumSize := ChecksumType(checksumType).ChecksumSize()
	peerSum, err := r.ReadRaw(sumSize)
	if err != nil {
		return nil, err
	}

	for len(r.Remaining()) > 0 {
		chunkLen, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		chunkBytes, err := r.ReadRaw(int(chunkLen))
		if err != nil {
			return nil, err
		}
		f.chunks = append(f.chunks, chunkBytes)
		f.checksum.Add(chunkBytes)
	}

	if !bytes.Equal(peerSum, f.checksum.Sum()) {
		return nil, ErrMismatchedChecksum
	}

	return f, nil
}

func (f *inFragment) nextChunk() []byte {
	if len(f.chunks) == 0 {
		return nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk
}

func (f *inFragment) hasMoreChunks() bool { return len(f.chunks) > 0 }

// inFragmentSource supplies fragments to a multiPartReader as they arrive.
type inFragmentSource interface {
	waitForFragment() (*inFragment, error)
}

// multiPartReader is an io.Reader over a single part's chunk stream,
// transparently pulling the next fragment when the current one is
// exhausted.
type multiPartReader struct {
	source              inFragmentSource
	chunk               []byte
	lastChunkInFragment bool // the fragment still holds chunks after the one just taken; those belong to later parts, so this part ends with this chunk
	lastPartInMessage   bool
}

func newMultiPartReader(source inFragmentSource, last bool) *multiPartReader {
	return &multiPartReader{source: source, lastPartInMessage: last}
}

func (r *multiPartReader) Read(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		if len(r.chunk) == 0 {
			if r.lastChunkInFragment {
				// Remaining chunks in the current fragment, if any, are for
				// the next part; this part ends here.
				return total, io.EOF
			}

			frag, err := r.source.waitForFragment()
			if err != nil {
				// io.EOF here means the source has no more fragments left to
				// give anyone, which is itself a valid, clean end of part.
				return total, err
			}
			r.chunk = frag.nextChunk()
			r.lastChunkInFragment = frag.hasMoreChunks()
		}

		n := copy(b, r.chunk)
		total += n
		r.chunk = r.chunk[n:]
		b = b[n:]
	}
	return total, nil
}

// endPart confirms the part ended cleanly on a chunk boundary, consuming
// the fragment-aligned empty-chunk marker if the part ended exactly at a
// fragment boundary.
func (r *multiPartReader) endPart() error {
	if len(r.chunk) > 0 {
		return ErrDataLeftover
	}

	if !r.lastChunkInFragment && !r.lastPartInMessage {
		frag, err := r.source.waitForFragment()
		if err == io.EOF {
			// Nothing left anywhere: there was no boundary marker to
			// consume because there's no more data at all.
			return nil
		}
		if err != nil {
			return err
		}
		r.chunk = frag.nextChunk()
		if len(r.chunk) > 0 {
			return ErrDataLeftover
		}
	}

	return nil
}

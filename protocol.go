package tchannel

import (
	"context"
	"fmt"
	"io"
	"time"
)

// This file is the CallProtocolHandler of spec.md §4.2: message wire
// formats and the capability objects (spec.md §9 "event-emitting objects
// -> capability interfaces") that replace the source's event-emitter
// request/response objects. Connection owns the sockets and operation
// tables; the types here only know how to read/write their own bytes.

// responseCode mirrors the teacher's ResponseOK/ResponseApplicationError.
type responseCode byte

const (
	responseOK    responseCode = 0
	responseNotOK responseCode = 1
)

// frameSink is the capability a Connection exposes so outgoing messages can
// be serialized onto the wire without knowing about sockets.
type frameSink interface {
	sendFrame(f *Frame) error
}

// writeInitMessage serializes an init req/res payload: hostPort and
// processName, each length-prefixed.
func writeInitMessage(f *Frame, hostPort, processName string) error {
	w := newWireWriter(f.Payload[:])
	if err := w.WriteLenString(hostPort); err != nil {
		return err
	}
	if err := w.WriteLenString(processName); err != nil {
		return err
	}
	f.Size = w.pos
	return nil
}

func readInitMessage(f *Frame) (hostPort, processName string, err error) {
	r := newWireReader(f.SizedPayload())
	if hostPort, err = r.ReadLenString(); err != nil {
		return "", "", err
	}
	if processName, err = r.ReadLenString(); err != nil {
		return "", "", err
	}
	return hostPort, processName, nil
}

// writeCallError serializes a callError frame: the id of the request being
// refused plus a human-readable message. Error messages are assumed to fit
// in one frame (see DESIGN.md).
func writeCallError(f *Frame, originalID uint32, message string) error {
	w := newWireWriter(f.Payload[:])
	if err := w.WriteUint32(originalID); err != nil {
		return err
	}
	if err := w.WriteLenString(message); err != nil {
		return err
	}
	f.Size = w.pos
	return nil
}

func readCallError(f *Frame) (originalID uint32, message string, err error) {
	r := newWireReader(f.SizedPayload())
	if originalID, err = r.ReadUint32(); err != nil {
		return 0, "", err
	}
	if message, err = r.ReadLenString(); err != nil {
		return 0, "", err
	}
	return originalID, message, nil
}

// --- outbound call request -------------------------------------------------

// OutgoingCallReq is the capability handle for a call this Channel
// initiated: the caller writes arg2/arg3 and then calls Wait for the
// response or error.
type OutgoingCallReq struct {
	ID          uint32
	TTL         time.Duration
	ServiceName string
	Operation   string // arg1

	sink       frameSink
	pool       FramePool
	checksum   Checksum
	started    bool
	writer     *multiPartWriter
	responseCh chan *IncomingCallRes
	errCh      chan error
}

func newOutgoingCallReq(sink frameSink, pool FramePool, id uint32, ttl time.Duration, checksumType ChecksumType, serviceName, operation string) *OutgoingCallReq {
	req := &OutgoingCallReq{
		ID:          id,
		TTL:         ttl,
		ServiceName: serviceName,
		Operation:   operation,
		sink:        sink,
		pool:        pool,
		checksum:    checksumType.New(),
		responseCh:  make(chan *IncomingCallRes, 1),
		errCh:       make(chan error, 1),
	}
	req.writer = newMultiPartWriter(req)
	return req
}

func (req *OutgoingCallReq) beginFragment() (*outFragment, error) {
	f := req.pool.Get()
	f.ID = req.ID
	if !req.started {
		f.Type = frameTypeCallReq
		req.started = true
		return newOutboundFragment(f, req.checksum, func(w *wireWriter) error {
			if err := w.WriteUint32(uint32(req.TTL / time.Millisecond)); err != nil {
				return err
			}
			if err := w.WriteLenString(req.ServiceName); err != nil {
				return err
			}
			return w.WriteLenString(req.Operation)
		})
	}

	f.Type = frameTypeCallReqContinue
	return newOutboundFragment(f, req.checksum, nil)
}

func (req *OutgoingCallReq) flushFragment(f *outFragment, last bool) error {
	return req.sink.sendFrame(f.finish(last))
}

// WriteArgs sends arg2 then arg3 and finishes the call request. This is the
// whole-buffer convenience Channel.Call uses; the streaming
// multiPartWriter underneath still splits across continuation frames when
// arg2/arg3 exceed one fragment (spec.md §8 scenario 6).
func (req *OutgoingCallReq) WriteArgs(arg2, arg3 []byte) error {
	if _, err := req.writer.Write(arg2); err != nil {
		return err
	}
	if err := req.writer.endPart(false); err != nil {
		return err
	}
	if _, err := req.writer.Write(arg3); err != nil {
		return err
	}
	return req.writer.endPart(true)
}

// Wait blocks for a response, error, or context cancellation, satisfying
// spec.md §8 P7 (response fires exactly once and no error follows).
func (req *OutgoingCallReq) Wait(ctx context.Context) (*IncomingCallRes, error) {
	select {
	case res := <-req.responseCh:
		return res, nil
	case err := <-req.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (req *OutgoingCallReq) succeed(res *IncomingCallRes) {
	select {
	case req.responseCh <- res:
	default:
	}
}

func (req *OutgoingCallReq) fail(err error) {
	select {
	case req.errCh <- err:
	default:
	}
}

// --- outbound call response -------------------------------------------------

// OutgoingCallRes is the capability handle a RequestHandler uses to answer
// an inbound call (spec.md §4.2 buildOutgoingResponse / §6 RequestHandler
// contract).
type OutgoingCallRes struct {
	id       uint32
	ok       bool
	sink     frameSink
	pool     FramePool
	checksum Checksum
	started  bool
	writer   *multiPartWriter
	state    responseState
	onFinish func()
}

type responseState int

const (
	responseInitial responseState = iota
	responseStarted
	responseFinished
)

func newOutgoingCallRes(sink frameSink, pool FramePool, id uint32, checksumType ChecksumType, ok bool) *OutgoingCallRes {
	res := &OutgoingCallRes{
		id:       id,
		ok:       ok,
		sink:     sink,
		pool:     pool,
		checksum: checksumType.New(),
	}
	res.writer = newMultiPartWriter(res)
	return res
}

func (res *OutgoingCallRes) beginFragment() (*outFragment, error) {
	f := res.pool.Get()
	f.ID = res.id
	if !res.started {
		f.Type = frameTypeCallRes
		res.started = true
		res.state = responseStarted
		code := responseOK
		if !res.ok {
			code = responseNotOK
		}
		return newOutboundFragment(f, res.checksum, func(w *wireWriter) error {
			return w.WriteByte(byte(code))
		})
	}

	f.Type = frameTypeCallResContinue
	return newOutboundFragment(f, res.checksum, nil)
}

func (res *OutgoingCallRes) flushFragment(f *outFragment, last bool) error {
	return res.sink.sendFrame(f.finish(last))
}

// SendOK writes arg2/arg3 and finishes the response as ok=true.
func (res *OutgoingCallRes) SendOK(arg2, arg3 []byte) error {
	res.ok = true
	return res.send(arg2, arg3)
}

// SendNotOK writes arg2/arg3 and finishes the response as ok=false (an
// application error, not a transport error — spec.md §7 kind 6).
func (res *OutgoingCallRes) SendNotOK(arg2, arg3 []byte) error {
	res.ok = false
	return res.send(arg2, arg3)
}

func (res *OutgoingCallRes) send(arg2, arg3 []byte) error {
	if res.state == responseFinished {
		return ErrNotActive
	}
	if _, err := res.writer.Write(arg2); err != nil {
		return err
	}
	if err := res.writer.endPart(false); err != nil {
		return err
	}
	if _, err := res.writer.Write(arg3); err != nil {
		return err
	}
	if err := res.writer.endPart(true); err != nil {
		return err
	}
	res.state = responseFinished
	if res.onFinish != nil {
		res.onFinish()
	}
	return nil
}

// --- incoming call objects --------------------------------------------------

// IncomingCallReq is what a RequestHandler receives (spec.md §6).
type IncomingCallReq struct {
	ID          uint32
	ServiceName string
	Operation   string // arg1
	Arg2        []byte
	Arg3        []byte
	RemoteAddr  string
	TTL         time.Duration
}

// IncomingCallRes is what OutgoingCallReq.Wait returns on success.
type IncomingCallRes struct {
	ID   uint32
	OK   bool
	Arg2 []byte
	Arg3 []byte
}

// --- fragment assembly ------------------------------------------------------

// fragmentSource pulls the first (already-parsed) fragment and then
// continuation frames off a channel, parsing each into an inFragment. It
// implements inFragmentSource for multiPartReader and is shared by inbound
// call-request assembly (server) and inbound call-response assembly
// (client) -- both need to read arg2 then arg3 across continuation frames.
//
// It also owns the lifetime of the frames it hands out: a frame's chunk
// slices point directly into its pooled Payload array, so the frame can only
// be released back to the pool once every chunk has been copied out by the
// multiPartReader -- i.e. once the source has moved on to the next fragment.
type fragmentSource struct {
	first      *inFragment
	firstFrame *Frame
	checksum   Checksum
	contCh     <-chan *Frame
	done       <-chan struct{} // closed on connection reset
	pool       FramePool
	current    *Frame

	// pending is the fragment currently being drained. A single wire
	// fragment can carry chunks for more than one part (arg2 ends and
	// arg3 begins within the same frame whenever both fit), so the
	// multiPartReader for the next part must see that same fragment's
	// leftover chunks rather than block waiting on a continuation frame
	// that was never sent.
	pending *inFragment

	// exhausted is set once a fragment with no continuation (last == true)
	// has been handed out. It lives on the source rather than on whichever
	// multiPartReader discovers it, because a later part's reader may never
	// itself pull a fragment -- its predecessor can drain the last
	// fragment's final chunk and leave nothing behind, and that reader
	// still needs to know there's nothing left to wait for.
	exhausted bool
}

func (s *fragmentSource) waitForFragment() (*inFragment, error) {
	if s.pending != nil && s.pending.hasMoreChunks() {
		return s.pending, nil
	}
	if s.exhausted {
		return nil, io.EOF
	}

	s.releaseCurrent()

	if s.first != nil {
		f := s.first
		s.first = nil
		s.current = s.firstFrame
		s.firstFrame = nil
		s.pending = f
		if f.last {
			s.exhausted = true
		}
		return f, nil
	}

	select {
	case frame, ok := <-s.contCh:
		if !ok {
			return nil, io.ErrUnexpectedEOF
		}
		frag, err := newInboundFragment(frame, s.checksum, nil)
		if err != nil {
			s.pool.Release(frame)
			return nil, err
		}
		s.current = frame
		s.pending = frag
		if frag.last {
			s.exhausted = true
		}
		return frag, nil
	case <-s.done:
		return nil, ErrConnectionClosed
	}
}

func (s *fragmentSource) releaseCurrent() {
	if s.current != nil {
		s.pool.Release(s.current)
		s.current = nil
	}
}

// readCallParts drains arg2 then arg3 from a fragment source, matching the
// teacher's readOperation/ReadArg2/ReadArg3 sequencing in inbound.go.
func readCallParts(source *fragmentSource) (arg2, arg3 []byte, err error) {
	defer source.releaseCurrent()

	r2 := newMultiPartReader(source, false)
	if arg2, err = io.ReadAll(r2); err != nil {
		return nil, nil, err
	}
	if err = r2.endPart(); err != nil {
		return nil, nil, err
	}

	r3 := newMultiPartReader(source, true)
	if arg3, err = io.ReadAll(r3); err != nil {
		return nil, nil, err
	}
	if err = r3.endPart(); err != nil {
		return nil, nil, err
	}

	return arg2, arg3, nil
}

// parseCallReqFirstFragment reads the fixed callReq header (ttl, serviceName,
// arg1) into the wireReader positioned at the start of a callReq frame's
// payload, returning the inFragment for the remaining chunk stream.
func parseCallReqFirstFragment(f *Frame) (frag *inFragment, ttl time.Duration, serviceName, operation string, err error) {
	frag, err = newInboundFragment(f, nil, func(r *wireReader) error {
		ms, err := r.ReadUint32()
		if err != nil {
			return err
		}
		ttl = time.Duration(ms) * time.Millisecond

		serviceName, err = r.ReadLenString()
		if err != nil {
			return err
		}

		operation, err = r.ReadLenString()
		return err
	})
	if err != nil {
		return nil, 0, "", "", fmt.Errorf("%w: callReq header: %v", ErrReadFailed, err)
	}
	return frag, ttl, serviceName, operation, nil
}

// parseCallResFirstFragment reads the fixed callRes header (response code)
// and returns the inFragment for the remaining chunk stream.
func parseCallResFirstFragment(f *Frame) (frag *inFragment, ok bool, err error) {
	var code responseCode
	frag, err = newInboundFragment(f, nil, func(r *wireReader) error {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		code = responseCode(b)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: callRes header: %v", ErrReadFailed, err)
	}
	return frag, code == responseOK, nil
}

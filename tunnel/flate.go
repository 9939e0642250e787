// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// initialScratchSize is the starting capacity of a Stream's output
	// buffer. It doubles on demand up to the stream's maximum.
	initialScratchSize = 4096

	// DefaultMaxMessageSize bounds both the scratch growth of a single
	// Process call and the size of one transport frame.
	DefaultMaxMessageSize = 16 << 20

	// compressionLevel favors latency over ratio: tunnel traffic is
	// mostly interactive.
	compressionLevel = 2

	// windowSize is the deflate back-reference distance. The inflater
	// keeps this much output as the dictionary for the next message.
	windowSize = 32 << 10
)

// syncMarker terminates every sync-flushed deflate message: an empty
// non-final stored block.
var syncMarker = []byte{0x00, 0x00, 0xff, 0xff}

// finalTail is appended to each inbound message so the flate reader
// observes a clean end of stream: the sync marker's stored block is
// followed by an empty final stored block.
var finalTail = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

var (
	// ErrUnexpectedEndOfStream is returned when a transform reports a
	// definitive end of stream. Messages are always sync-flushed, so
	// this is a protocol or implementation bug, never a normal end of
	// data.
	ErrUnexpectedEndOfStream = errors.New("tunnel: unexpected end of compressed stream")

	// ErrMessageTooLarge is returned when producing a message would
	// exceed the stream's maximum message size.
	ErrMessageTooLarge = errors.New("tunnel: message exceeds maximum size")
)

// TransformError reports a failure of the compression primitive itself:
// malformed compressed input or an internal buffer violation. The
// stream's position cannot be recovered after one of these.
type TransformError struct {
	Op  string
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("tunnel: %s: %v", e.Op, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// IsTransformError reports whether any error in err's chain is a
// *TransformError.
func IsTransformError(err error) bool {
	var transformErr *TransformError
	return errors.As(err, &transformErr)
}

type stepStatus int

const (
	stepOK stepStatus = iota
	stepStreamEnd
)

// transformer is one direction of a stateful streaming transform.
// step consumes a prefix of in and writes into out; the cumulative
// counters tell the caller how far it got.
type transformer interface {
	totalIn() uint64
	totalOut() uint64
	// pending reports whether output remains buffered inside the
	// transform after all input has been consumed.
	pending() bool
	step(in, out []byte) (stepStatus, error)
}

// Stream applies a stateful transform to a sequence of chunks,
// preserving context across calls. A Stream is not safe for concurrent
// use: each direction of a connection owns exactly one.
//
// The first error a Stream returns is permanent. A failed call may have
// fed part of its input into the compression context, so every later
// call returns the same error.
type Stream struct {
	transform transformer
	scratch   []byte
	maxSize   int
	failed    error
}

// NewCompressor returns a Stream that produces raw deflate at a fixed
// low level, sync-flushed after every chunk. maxSize bounds the output
// for a single chunk; zero selects DefaultMaxMessageSize.
func NewCompressor(maxSize int) (*Stream, error) {
	deflater, err := newDeflater()
	if err != nil {
		return nil, err
	}
	return newStream(deflater, maxSize), nil
}

// NewDecompressor returns a Stream that inflates chunks produced by a
// peer's compressor. maxSize bounds the output for a single chunk; zero
// selects DefaultMaxMessageSize.
func NewDecompressor(maxSize int) *Stream {
	return newStream(&inflater{}, maxSize)
}

func newStream(transform transformer, maxSize int) *Stream {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Stream{
		transform: transform,
		scratch:   make([]byte, min(initialScratchSize, maxSize)),
		maxSize:   maxSize,
	}
}

// Process transforms all of input and returns the produced bytes. The
// returned slice aliases the stream's scratch buffer and is valid only
// until the next call to Process on the same Stream.
func (s *Stream) Process(input []byte) ([]byte, error) {
	if s.failed != nil {
		return nil, s.failed
	}
	output, err := s.process(input)
	if err != nil {
		s.failed = err
		return nil, err
	}
	return output, nil
}

func (s *Stream) process(input []byte) ([]byte, error) {
	inOffset, outOffset := 0, 0
	for {
		beforeIn, beforeOut := s.transform.totalIn(), s.transform.totalOut()
		status, err := s.transform.step(input[inOffset:], s.scratch[outOffset:])
		if err != nil {
			return nil, err
		}
		consumed := int(s.transform.totalIn() - beforeIn)
		produced := int(s.transform.totalOut() - beforeOut)
		inOffset += consumed
		outOffset += produced

		if status == stepStreamEnd {
			return nil, ErrUnexpectedEndOfStream
		}

		if outOffset == len(s.scratch) && (inOffset < len(input) || s.transform.pending()) {
			if len(s.scratch) >= s.maxSize {
				return nil, ErrMessageTooLarge
			}
			grown := make([]byte, min(len(s.scratch)*2, s.maxSize))
			copy(grown, s.scratch[:outOffset])
			s.scratch = grown
			continue
		}

		if inOffset < len(input) {
			if consumed == 0 && produced == 0 {
				return nil, &TransformError{Op: "process", Err: io.ErrNoProgress}
			}
			continue
		}
		return s.scratch[:outOffset], nil
	}
}

// deflater adapts a flate.Writer to the step contract. The writer emits
// into whatever output window the current step offers; anything that
// does not fit is held in overflow and drained by later steps before
// more input is accepted.
type deflater struct {
	writer   *flate.Writer
	window   []byte
	overflow []byte
	in, out  uint64
}

func newDeflater() (*deflater, error) {
	d := &deflater{}
	writer, err := flate.NewWriter(d, compressionLevel)
	if err != nil {
		return nil, &TransformError{Op: "deflate init", Err: err}
	}
	d.writer = writer
	return d, nil
}

func (d *deflater) totalIn() uint64  { return d.in }
func (d *deflater) totalOut() uint64 { return d.out }
func (d *deflater) pending() bool    { return len(d.overflow) > 0 }

// Write receives compressed output from the flate writer.
func (d *deflater) Write(p []byte) (int, error) {
	total := len(p)
	if len(d.overflow) == 0 {
		n := copy(d.window, p)
		d.window = d.window[n:]
		d.out += uint64(n)
		p = p[n:]
	}
	d.overflow = append(d.overflow, p...)
	return total, nil
}

func (d *deflater) step(in, out []byte) (stepStatus, error) {
	if len(d.overflow) > 0 {
		n := copy(out, d.overflow)
		d.out += uint64(n)
		d.overflow = d.overflow[:copy(d.overflow, d.overflow[n:])]
		if len(d.overflow) > 0 || len(in) == 0 {
			return stepOK, nil
		}
		out = out[n:]
	}
	if len(in) == 0 {
		return stepOK, nil
	}

	d.window = out
	defer func() { d.window = nil }()
	if _, err := d.writer.Write(in); err != nil {
		return stepOK, &TransformError{Op: "deflate", Err: err}
	}
	if err := d.writer.Flush(); err != nil {
		return stepOK, &TransformError{Op: "deflate flush", Err: err}
	}
	d.in += uint64(len(in))
	return stepOK, nil
}

// inflater adapts a flate reader to the step contract. Each inbound
// message is a self-contained run of non-final blocks ending in a sync
// marker; the reader is reset per message with the previous output as
// its dictionary, which carries the peer's compression context across
// messages.
type inflater struct {
	reader  io.ReadCloser
	source  messageSource
	history []byte
	active  bool
	failed  error
	in, out uint64
}

func (f *inflater) totalIn() uint64  { return f.in }
func (f *inflater) totalOut() uint64 { return f.out }
func (f *inflater) pending() bool    { return f.active }

func (f *inflater) step(in, out []byte) (stepStatus, error) {
	if f.failed != nil {
		return stepOK, f.failed
	}
	if !f.active {
		if len(in) == 0 {
			return stepOK, nil
		}
		if !bytes.HasSuffix(in, syncMarker) {
			return stepOK, f.fail(errors.New("message does not end on a sync flush boundary"))
		}
		f.source.reset(in)
		if err := f.resetReader(); err != nil {
			return stepOK, f.fail(err)
		}
		f.active = true
	}

	var n int
	var err error
	for n < len(out) && err == nil {
		var read int
		read, err = f.reader.Read(out[n:])
		n += read
	}
	if err == nil {
		// A full window may coincide with the end of the message; an
		// empty read settles whether the reader has more to give.
		_, err = f.reader.Read(out[n:])
	}
	f.out += uint64(n)
	f.remember(out[:n])
	consumed := f.source.consumedData()
	f.in += uint64(consumed)
	f.source.data = f.source.data[consumed:]

	switch {
	case err == nil:
		return stepOK, nil
	case err == io.EOF:
		f.active = false
		if len(f.source.data) > 0 || !f.source.tailConsumed() {
			// The peer's data contained a final block of its own.
			return stepStreamEnd, nil
		}
		return stepOK, nil
	default:
		return stepOK, f.fail(err)
	}
}

func (f *inflater) resetReader() error {
	dict := f.history
	if len(dict) > windowSize {
		dict = dict[len(dict)-windowSize:]
	}
	if f.reader == nil {
		f.reader = flate.NewReaderDict(&f.source, dict)
		return nil
	}
	return f.reader.(flate.Resetter).Reset(&f.source, dict)
}

// remember appends produced output to the dictionary history, keeping
// at least the last windowSize bytes.
func (f *inflater) remember(p []byte) {
	f.history = append(f.history, p...)
	if len(f.history) > 2*windowSize {
		f.history = f.history[:copy(f.history, f.history[len(f.history)-windowSize:])]
	}
}

func (f *inflater) fail(err error) error {
	f.failed = &TransformError{Op: "inflate", Err: err}
	return f.failed
}

// messageSource serves one inbound message followed by finalTail. It
// implements io.ByteReader so the flate reader consumes it directly
// instead of wrapping it in a read-ahead buffer, which keeps the
// consumed count exact.
type messageSource struct {
	data     []byte
	read     int
	tail     []byte
	tailRead int
}

func (m *messageSource) reset(data []byte) {
	m.data = data
	m.read = 0
	m.tail = finalTail
	m.tailRead = 0
}

// consumedData returns how many message bytes the reader took since the
// last call, excluding the synthetic tail.
func (m *messageSource) consumedData() int {
	n := m.read
	m.read = 0
	return n
}

func (m *messageSource) tailConsumed() bool {
	return m.tailRead == len(m.tail)
}

func (m *messageSource) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := m.ReadByte()
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		p[n] = b
		n++
	}
	return n, nil
}

func (m *messageSource) ReadByte() (byte, error) {
	if m.read < len(m.data) {
		b := m.data[m.read]
		m.read++
		return b, nil
	}
	if m.tailRead < len(m.tail) {
		b := m.tail[m.tailRead]
		m.tailRead++
		return b, nil
	}
	return 0, io.EOF
}

package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Framing identifies how a message was delimited on the wire.
type Framing int32

const (
	// FramingLine is one JSON document per line (NDJSON).
	FramingLine Framing = iota
	// FramingHeader is LSP-style Content-Length headers followed by a body.
	FramingHeader
)

func (f Framing) String() string {
	if f == FramingHeader {
		return "content-length"
	}
	return "line"
}

// DefaultMaxMessageBytes caps a single framed message.
const DefaultMaxMessageBytes = 10 * 1024 * 1024

var contentLengthPrefix = []byte("content-length:")

type frameStatus int

const (
	frameOK frameStatus = iota
	frameNeedMore
	frameMalformed
)

// Framer turns an unbounded sequence of chunks into complete JSON messages.
// It is a push state machine: Feed appends bytes, Next pops the next message
// once one is fully buffered. Malformed units are dropped and logged.
type Framer struct {
	buf      []byte
	max      int
	skipping bool
	skipBody int
	last     Framing
	dropped  int
	log      logrus.FieldLogger
}

func NewFramer(maxSize int, log logrus.FieldLogger) *Framer {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageBytes
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Framer{max: maxSize, log: log}
}

// Feed appends a chunk of input.
func (f *Framer) Feed(chunk []byte) {
	f.buf = append(f.buf, chunk...)
}

// Last returns the framing of the most recently emitted message.
func (f *Framer) Last() Framing { return f.last }

// Dropped returns how many malformed units were discarded so far.
func (f *Framer) Dropped() int { return f.dropped }

// Buffered returns the number of bytes waiting for a complete message.
func (f *Framer) Buffered() int { return len(f.buf) }

// Reset discards any partial input.
func (f *Framer) Reset() {
	f.buf = nil
	f.skipping = false
	f.skipBody = 0
}

// Next returns the next complete message, or false if more input is needed.
func (f *Framer) Next() ([]byte, bool) {
	for {
		if f.skipBody > 0 {
			n := min(f.skipBody, len(f.buf))
			f.buf = f.buf[n:]
			f.skipBody -= n
			if f.skipBody > 0 {
				return nil, false
			}
		}
		if f.skipping {
			i := bytes.IndexByte(f.buf, '\n')
			if i < 0 {
				f.buf = f.buf[:0]
				return nil, false
			}
			f.buf = f.buf[i+1:]
			f.skipping = false
		}

		f.buf = bytes.TrimLeft(f.buf, " \t\r\n")
		if len(f.buf) == 0 {
			return nil, false
		}

		if hasContentLength(f.buf) {
			msg, status := f.nextHeader()
			switch status {
			case frameOK:
				return msg, true
			case frameMalformed:
				continue
			}
			return nil, false
		}

		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			if len(f.buf) > f.max {
				f.discard(len(f.buf), "line exceeds max message size")
				f.buf = f.buf[:0]
				f.skipping = true
			}
			return nil, false
		}
		line := bytes.TrimSpace(f.buf[:i])
		f.buf = f.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if len(line) > f.max {
			f.discard(len(line), "line exceeds max message size")
			continue
		}
		if !json.Valid(line) {
			f.discard(len(line), "invalid json")
			continue
		}
		f.last = FramingLine
		return bytes.Clone(line), true
	}
}

// Flush treats whatever is buffered as a final, unterminated message. It is
// called once the source is exhausted.
func (f *Framer) Flush() ([]byte, bool) {
	if msg, ok := f.Next(); ok {
		return msg, true
	}
	rest := bytes.TrimSpace(f.buf)
	f.Reset()
	if len(rest) == 0 {
		return nil, false
	}
	if !json.Valid(rest) {
		f.discard(len(rest), "truncated message at end of input")
		return nil, false
	}
	f.last = FramingLine
	return bytes.Clone(rest), true
}

func (f *Framer) nextHeader() ([]byte, frameStatus) {
	end, sep := bytes.Index(f.buf, []byte("\r\n\r\n")), 4
	if alt := bytes.Index(f.buf, []byte("\n\n")); alt >= 0 && (end < 0 || alt < end) {
		end, sep = alt, 2
	}
	if end < 0 {
		if len(f.buf) > f.max {
			f.discard(len(f.buf), "header exceeds max message size")
			f.buf = f.buf[:0]
			return nil, frameMalformed
		}
		return nil, frameNeedMore
	}

	length := -1
	for _, line := range bytes.Split(f.buf[:end], []byte("\n")) {
		key, value, ok := bytes.Cut(bytes.TrimSpace(line), []byte(":"))
		if !ok || !bytes.EqualFold(bytes.TrimSpace(key), []byte("content-length")) {
			continue
		}
		if n, err := strconv.Atoi(string(bytes.TrimSpace(value))); err == nil {
			length = n
		}
	}
	if length < 0 {
		f.discard(end+sep, "invalid content-length header")
		f.buf = f.buf[end+sep:]
		return nil, frameMalformed
	}
	if length > f.max {
		// The body is still on the wire; consume exactly that many bytes.
		f.discard(end+sep+length, "header frame exceeds max message size")
		f.buf = f.buf[end+sep:]
		f.skipBody = length
		return nil, frameMalformed
	}

	start := end + sep
	if len(f.buf) < start+length {
		return nil, frameNeedMore
	}
	body := bytes.TrimSpace(f.buf[start : start+length])
	f.buf = f.buf[start+length:]
	if !json.Valid(body) {
		f.discard(len(body), "invalid json body")
		return nil, frameMalformed
	}
	f.last = FramingHeader
	return bytes.Clone(body), frameOK
}

func (f *Framer) discard(n int, reason string) {
	f.dropped++
	f.log.WithFields(logrus.Fields{"bytes": n, "reason": reason}).Warn("framing error; discarding input")
}

func hasContentLength(buf []byte) bool {
	if len(buf) < len(contentLengthPrefix) {
		return false
	}
	return bytes.EqualFold(buf[:len(contentLengthPrefix)], contentLengthPrefix)
}

// Reader pulls chunks from a source and yields framed messages lazily.
type Reader struct {
	src    io.Reader
	framer *Framer
	chunk  []byte
	eof    bool
}

func NewReader(src io.Reader, framer *Framer) *Reader {
	return &Reader{src: src, framer: framer, chunk: make([]byte, 32*1024)}
}

// Framer exposes the underlying framer.
func (r *Reader) Framer() *Framer { return r.framer }

// Reset points the reader at a new source and drops partial input from the old one.
func (r *Reader) Reset(src io.Reader) {
	r.src = src
	r.eof = false
	r.framer.Reset()
}

// Next blocks until a complete message is available. It returns io.EOF once
// the source is exhausted and nothing parseable remains.
func (r *Reader) Next() ([]byte, error) {
	for {
		if msg, ok := r.framer.Next(); ok {
			return msg, nil
		}
		if r.eof {
			if msg, ok := r.framer.Flush(); ok {
				return msg, nil
			}
			return nil, io.EOF
		}
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.framer.Feed(r.chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.eof = true
				continue
			}
			return nil, err
		}
	}
}

// Writer serializes outgoing messages, one per write, so concurrent responses
// never interleave on the stream.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	framing atomic.Int32
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// SetFraming mirrors the framing the host uses.
func (w *Writer) SetFraming(f Framing) { w.framing.Store(int32(f)) }

// WriteMessage encodes and writes a message.
func (w *Writer) WriteMessage(m *Message) error {
	m.JSONRPC = Version
	enc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return w.WriteRaw(enc)
}

// WriteRaw writes an already encoded message unchanged.
func (w *Writer) WriteRaw(payload []byte) error {
	payload = bytes.TrimSpace(payload)
	w.mu.Lock()
	defer w.mu.Unlock()
	if Framing(w.framing.Load()) == FramingHeader {
		if _, err := fmt.Fprintf(w.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		_, err := w.w.Write(payload)
		return err
	}
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')
	_, err := w.w.Write(line)
	return err
}

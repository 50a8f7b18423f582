/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package protocol

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

const (
	// MaxLineLen bounds a command line, body excluded.
	MaxLineLen = 8 * 224
	// MaxNameLen bounds a single name field at the framing layer. Tube
	// names are further capped at MaxTubeNameLen by the parser.
	MaxNameLen = 8 * 200
	// DefaultMaxJobSize is the job body ceiling used when none is configured.
	DefaultMaxJobSize = 65535
)

// NameChars are the characters allowed in a name field. A name must not
// start with '-'.
const NameChars = "-+/;.$_()0123456789" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func validNameChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	}
	switch c {
	case '-', '+', '/', ';', '.', '$', '_', '(', ')':
		return true
	}
	return false
}

// Decoder frames the inbound byte stream into token sequences. It reads
// exactly one frame (command line plus body, for put) per call, so a stalled
// consumer never buffers more than one frame.
type Decoder struct {
	r          *bufio.Reader
	maxJobSize int
	line       []byte
	broken     bool
}

func NewDecoder(r io.Reader, maxJobSize int) *Decoder {
	if maxJobSize <= 0 {
		maxJobSize = DefaultMaxJobSize
	}
	return &Decoder{
		r:          bufio.NewReaderSize(r, 4096),
		maxJobSize: maxJobSize,
	}
}

// Broken reports whether the stream position is indeterminate, meaning the
// connection cannot recover from the last error.
func (d *Decoder) Broken() bool { return d.broken }

// ReadFrame blocks until a full frame is buffered and returns its tokens.
// Protocol violations return one of the Err* values; I/O errors are returned
// as-is.
func (d *Decoder) ReadFrame() ([]Token, error) {
	line, err := d.readLine()
	if err != nil {
		return nil, err
	}

	frame, err := tokenize(line)
	if err != nil {
		return nil, err
	}

	if !expectsBody(frame) {
		return frame, nil
	}

	size := frame[len(frame)-1].Int
	if int(size) > d.maxJobSize {
		// Consume the oversized body so the stream stays framed.
		if err := d.discard(int(size) + 2); err != nil {
			return nil, err
		}
		return nil, ErrJobTooBig
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	var tail [2]byte
	if _, err := io.ReadFull(d.r, tail[:]); err != nil {
		return nil, errors.Wrap(err, "read body terminator")
	}
	if tail[0] != '\r' || tail[1] != '\n' {
		return nil, ErrExpectedCRLF
	}
	return append(frame, Body(body)), nil
}

// readLine accumulates bytes up to CRLF, erroring out once MaxLineLen is
// exceeded. The trailing CRLF is stripped.
func (d *Decoder) readLine() ([]byte, error) {
	d.line = d.line[:0]
	for {
		chunk, err := d.r.ReadSlice('\n')
		d.line = append(d.line, chunk...)
		if err == bufio.ErrBufferFull {
			if len(d.line) > MaxLineLen {
				d.broken = true
				return nil, ErrBadFormat
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(d.line) > MaxLineLen {
			d.broken = true
			return nil, ErrBadFormat
		}
		if len(d.line) < 2 || d.line[len(d.line)-2] != '\r' {
			d.broken = true
			return nil, ErrBadFormat
		}
		return d.line[:len(d.line)-2], nil
	}
}

func (d *Decoder) discard(n int) error {
	if _, err := d.r.Discard(n); err != nil {
		return errors.Wrap(err, "discard oversized body")
	}
	return nil
}

// expectsBody reports whether the line introduces a job body: only a put
// with the full "pri delay ttr bytes" shape does. A malformed put line must
// not make the decoder block on a body the grammar never established; it
// flows to the parser and earns BAD_FORMAT instead.
func expectsBody(frame []Token) bool {
	if len(frame) != 5 || frame[0].Kind != KindName || frame[0].Name != "put" {
		return false
	}
	for _, tok := range frame[1:] {
		if tok.Kind != KindInteger {
			return false
		}
	}
	return true
}

// tokenize splits a command line into fields separated by single spaces.
func tokenize(line []byte) ([]Token, error) {
	var frame []Token
	for len(line) > 0 {
		end := 0
		for end < len(line) && line[end] != ' ' {
			end++
		}
		tok, err := field(line[:end])
		if err != nil {
			return nil, err
		}
		frame = append(frame, tok)
		if end == len(line) {
			break
		}
		line = line[end+1:]
		if len(line) == 0 {
			// Trailing space.
			return nil, ErrBadFormat
		}
	}
	if len(frame) == 0 {
		return nil, ErrBadFormat
	}
	return frame, nil
}

func field(f []byte) (Token, error) {
	if len(f) == 0 {
		return Token{}, ErrBadFormat
	}
	c := f[0]
	switch {
	case c >= '0' && c <= '9':
		return integerField(f)
	case validNameChar(c) && c != '-':
		return nameField(f)
	default:
		return Token{}, ErrBadFormat
	}
}

func integerField(f []byte) (Token, error) {
	var n uint64
	for _, c := range f {
		if c < '0' || c > '9' {
			return Token{}, ErrBadFormat
		}
		n = n*10 + uint64(c-'0')
		if n > 0xFFFFFFFF {
			return Token{}, ErrBadFormat
		}
	}
	return Integer(n), nil
}

func nameField(f []byte) (Token, error) {
	if len(f) > MaxNameLen {
		return Token{}, ErrBadFormat
	}
	for _, c := range f {
		if !validNameChar(c) {
			return Token{}, ErrBadFormat
		}
	}
	return Name(string(f)), nil
}

/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package protocol

import "strconv"

// TokenKind discriminates the field variants a frame is made of.
type TokenKind int

const (
	KindName TokenKind = iota
	KindInteger
	KindBytes
	// KindCRLF is synthetic: it never comes off the wire, it only shapes
	// multi-line responses such as "OK <len>\r\n<body>".
	KindCRLF
)

// Token is a single field of a protocol frame. Int carries the full 64-bit
// width so job ids are never truncated on the way out; inbound integers are
// capped at 32 bits by the codec.
type Token struct {
	Kind  TokenKind
	Name  string
	Int   uint64
	Bytes []byte
}

func Name(s string) Token    { return Token{Kind: KindName, Name: s} }
func Integer(n uint64) Token { return Token{Kind: KindInteger, Int: n} }
func Body(b []byte) Token    { return Token{Kind: KindBytes, Bytes: b} }
func CRLF() Token            { return Token{Kind: KindCRLF} }

var crlf = []byte{'\r', '\n'}

// Encode serializes a response frame. Fields are joined by single spaces and
// the frame is terminated by CRLF. A CRLF token emits its line break in place
// and suppresses the space separators around it.
func Encode(frame []Token) []byte {
	var out []byte
	sep := false
	for _, tok := range frame {
		if tok.Kind == KindCRLF {
			out = append(out, crlf...)
			sep = false
			continue
		}
		if sep {
			out = append(out, ' ')
		}
		switch tok.Kind {
		case KindName:
			out = append(out, tok.Name...)
		case KindInteger:
			out = strconv.AppendUint(out, tok.Int, 10)
		case KindBytes:
			out = append(out, tok.Bytes...)
		}
		sep = true
	}
	return append(out, crlf...)
}

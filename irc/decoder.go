package irc

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
)

// ErrIncomplete is returned by Decoder.Next when the buffer does not hold a
// complete line yet.
var ErrIncomplete = errors.New("incomplete line")

// maxBufferedLen bounds the bytes kept while waiting for a line terminator.
const maxBufferedLen = maxTagsLen + MaxLineLen

var replacementChar = string([]rune{unicode.ReplacementChar})

// Decoder splits a continuously appended byte stream into messages.
//
// Lines end with CRLF; a bare LF is accepted too. The zero value is ready to
// use. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	discarding bool // dropping the rest of an overlong line
}

// Feed appends received bytes to the decoder buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message from the buffer.
//
// It returns ErrIncomplete once every complete line has been consumed; the
// caller feeds more bytes and calls Next again. A malformed line is consumed
// and reported as a *DecodeError; the following lines remain decodable.
func (d *Decoder) Next() (Message, error) {
	i := bytes.IndexByte(d.buf, '\n')
	if d.discarding {
		if i < 0 {
			d.buf = d.buf[:0]
			return Message{}, ErrIncomplete
		}
		d.discarding = false
		d.buf = d.buf[i+1:]
		i = bytes.IndexByte(d.buf, '\n')
	}
	if i < 0 {
		if len(d.buf) > maxBufferedLen {
			line := string(d.buf[:64])
			d.buf = d.buf[:0]
			d.discarding = true
			return Message{}, &DecodeError{Line: line, Reason: "line too long"}
		}
		return Message{}, ErrIncomplete
	}

	raw := d.buf[:i]
	d.buf = d.buf[i+1:]
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if len(raw) > maxBufferedLen {
		return Message{}, &DecodeError{Line: string(raw[:64]), Reason: "line too long"}
	}
	if len(d.buf) == 0 {
		// let the backing array go
		d.buf = nil
	}

	line := strings.ToValidUTF8(string(raw), replacementChar)
	return ParseMessage(line)
}

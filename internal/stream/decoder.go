package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"llmd/internal/llm"
)

// DefaultMaxLineBytes bounds a single buffered record.
const DefaultMaxLineBytes = 16 << 20

// Decoder reassembles newline-delimited JSON records from arbitrarily split
// chunks. A record is only decoded once its terminating newline arrived, so
// chunk boundaries never matter (including ones inside a UTF-8 sequence).
//
// The zero value is ready to use. A Decoder is not safe for concurrent use.
type Decoder[T any] struct {
	// MaxLineBytes limits the size of an incomplete record; 0 means DefaultMaxLineBytes.
	MaxLineBytes int

	buf     []byte
	scanned int // bytes of buf already known to contain no newline
	failed  error
}

// Feed appends chunk and decodes every record completed by it, in order.
// On a malformed record it returns the records decoded before it together with
// a serialization error; the decoder is then unusable.
func (d *Decoder[T]) Feed(chunk []byte) ([]T, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	d.buf = append(d.buf, chunk...)
	var out []T
	start := 0
	for {
		i := bytes.IndexByte(d.buf[d.scanned:], '\n')
		if i < 0 {
			break
		}
		end := d.scanned + i
		line := d.buf[start:end]
		start = end + 1
		d.scanned = start
		rec, ok, err := d.decodeLine(line)
		if err != nil {
			d.fail(err)
			return out, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	// keep only the unterminated remainder
	n := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:n]
	d.scanned = n
	if limit := d.maxLine(); len(d.buf) > limit {
		err := llm.ErrSerialization(fmt.Sprintf("record exceeds %d bytes without a newline", limit), nil)
		d.fail(err)
		return out, err
	}
	return out, nil
}

// Discard drops whatever is still waiting for a newline and returns how many
// non-blank bytes that was. An unterminated record is never decoded.
func (d *Decoder[T]) Discard() int {
	n := len(bytes.TrimSpace(d.buf))
	d.buf, d.scanned = nil, 0
	return n
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder[T]) Buffered() int { return len(d.buf) }

func (d *Decoder[T]) decodeLine(line []byte) (T, bool, error) {
	var rec T
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return rec, false, nil
	}
	if !utf8.Valid(line) {
		return rec, false, llm.ErrSerialization("record is not valid UTF-8", nil)
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, false, llm.ErrSerialization(fmt.Sprintf("invalid JSON record %q", clip(line, 256)), err)
	}
	return rec, true, nil
}

func (d *Decoder[T]) fail(err error) {
	d.failed = err
	d.buf, d.scanned = nil, 0
}

func (d *Decoder[T]) maxLine() int {
	if d.MaxLineBytes > 0 {
		return d.MaxLineBytes
	}
	return DefaultMaxLineBytes
}

func clip(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// kv/kv.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package kv reads and writes the human-readable record format used for
// catalogs, process logs and volume headers:
//
//	category {
//	  key=value
//	  key=another value for the same key
//	}
//
// Blank lines and anything following a '#' are ignored. Values are
// escaped so that they never contain '#', whitespace or control
// characters; a key may repeat, and its values are kept in order.
package kv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrMalformed   = errors.New("malformed record")
	ErrMissingKey  = errors.New("missing key")
	ErrRepeatedKey = errors.New("key given more than once")
	ErrLeftover    = errors.New("unconsumed keys in record")
)

type field struct {
	key, value string
}

// Record is one category block. Fields are kept in the order they were
// added or read.
type Record struct {
	Category string
	fields   []field
}

func NewRecord(category string) *Record {
	return &Record{Category: category}
}

// Add appends a key/value pair; it returns the record so that calls can
// be chained.
func (r *Record) Add(key, value string) *Record {
	r.fields = append(r.fields, field{key, value})
	return r
}

// Addf is Add with fmt.Sprintf formatting of the value.
func (r *Record) Addf(key, f string, args ...interface{}) *Record {
	return r.Add(key, fmt.Sprintf(f, args...))
}

// Len returns the number of fields that haven't been consumed.
func (r *Record) Len() int {
	return len(r.fields)
}

// Get returns all of the values for the given key without consuming them.
func (r *Record) Get(key string) []string {
	var v []string
	for _, f := range r.fields {
		if f.key == key {
			v = append(v, f.value)
		}
	}
	return v
}

// Consume returns the single value for key and removes it from the
// record.
func (r *Record) Consume(key string) (string, error) {
	v := r.ConsumeAll(key)
	switch len(v) {
	case 0:
		return "", fmt.Errorf("%s: %q: %w", r.Category, key, ErrMissingKey)
	case 1:
		return v[0], nil
	default:
		return "", fmt.Errorf("%s: %q: %w", r.Category, key, ErrRepeatedKey)
	}
}

// ConsumeAll returns every value for key, in order, and removes them from
// the record. It returns nil if the key isn't present.
func (r *Record) ConsumeAll(key string) []string {
	var v []string
	kept := r.fields[:0]
	for _, f := range r.fields {
		if f.key == key {
			v = append(v, f.value)
		} else {
			kept = append(kept, f)
		}
	}
	r.fields = kept
	return v
}

// Done returns an error if any fields haven't been consumed.
func (r *Record) Done() error {
	if len(r.fields) == 0 {
		return nil
	}
	var keys []string
	for _, f := range r.fields {
		keys = append(keys, f.key)
	}
	return fmt.Errorf("%s: %s: %w", r.Category, strings.Join(keys, ", "), ErrLeftover)
}

///////////////////////////////////////////////////////////////////////////
// Reader

// Reader returns the records from an underlying io.Reader one at a time.
type Reader struct {
	br   *bufio.Reader
	line int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// nextLine returns the next line with comments and surrounding whitespace
// stripped, skipping lines that end up empty.
func (r *Reader) nextLine() (string, error) {
	for {
		s, err := r.br.ReadString('\n')
		if len(s) == 0 && err != nil {
			return "", err
		}
		r.line++
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		if s != "" {
			return s, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Next returns the next record. It returns io.EOF once all records have
// been read; a file that ends in the middle of a record is an error.
func (r *Reader) Next() (*Record, error) {
	s, err := r.nextLine()
	if err != nil {
		return nil, err
	}

	tok := strings.Fields(s)
	if len(tok) != 2 || tok[1] != "{" {
		return nil, fmt.Errorf("line %d: %q: %w", r.line, s, ErrMalformed)
	}
	rec := NewRecord(tok[0])

	for {
		s, err := r.nextLine()
		if err == io.EOF {
			return nil, fmt.Errorf("line %d: unterminated %q: %w", r.line,
				rec.Category, ErrMalformed)
		} else if err != nil {
			return nil, err
		}
		if s == "}" {
			return rec, nil
		}

		eq := strings.IndexByte(s, '=')
		var key, value string
		if eq < 0 {
			key = s
		} else {
			key, value = s[:eq], s[eq+1:]
		}
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("line %d: %q: %w", r.line, s, ErrMalformed)
		}
		if value, err = unescape(value); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
		rec.Add(key, value)
	}
}

///////////////////////////////////////////////////////////////////////////
// Writer

// Writer writes records to an underlying io.Writer. Errors are sticky:
// once a write fails, all later calls return the same error.
type Writer struct {
	bw  *bufio.Writer
	n   int64
	err error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

func (w *Writer) printf(f string, args ...interface{}) {
	if w.err != nil {
		return
	}
	n, err := fmt.Fprintf(w.bw, f, args...)
	w.n += int64(n)
	w.err = err
}

// Write writes a record.
func (w *Writer) Write(rec *Record) error {
	w.printf("%s {\n", rec.Category)
	for _, f := range rec.fields {
		w.printf("  %s=%s\n", f.key, escape(f.value))
	}
	w.printf("}\n\n")
	return w.err
}

// Flush writes any buffered data to the underlying io.Writer.
func (w *Writer) Flush() error {
	if w.err == nil {
		w.err = w.bw.Flush()
	}
	return w.err
}

// Size returns the number of bytes written so far, including any that are
// still buffered.
func (w *Writer) Size() int64 {
	return w.n
}

// EncodedSize returns the number of bytes rec takes up when written.
func EncodedSize(rec *Record) int64 {
	n := len(rec.Category) + len(" {\n") + len("}\n\n")
	for _, f := range rec.fields {
		n += len("  ") + len(f.key) + len("=") + len(escape(f.value)) + len("\n")
	}
	return int64(n)
}

///////////////////////////////////////////////////////////////////////////
// Escaping

const hexDigits = "0123456789abcdef"

func needsEscape(b byte) bool {
	return b == '%' || b == '#' || b <= ' ' || b == 0x7f
}

func escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if needsEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		if c := s[i]; needsEscape(c) {
			sb.WriteByte('%')
			sb.WriteByte(hexDigits[c>>4])
			sb.WriteByte(hexDigits[c&15])
		} else {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 {
		return s, nil
	}

	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			sb.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("%q: truncated escape: %w", s, ErrMalformed)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%q: bad escape: %w", s, ErrMalformed)
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String(), nil
}

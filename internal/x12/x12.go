// Package x12 reads and writes ASC X12 interchanges as flat segment records.
//
// Each segment becomes one record. Field 0 is named "Segment" and holds the
// segment id; the elements follow as "Elem001", "Elem002" and so on. Only the
// delimiter conventions are enforced, not the grammar of any transaction set.
package x12

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"conveyor/internal/record"
)

const isaLen = 106

var (
	ErrNoInterchange = errors.New("x12: input does not start with an ISA segment")
	ErrMalformed     = errors.New("x12: malformed segment")
)

// FieldName returns the record field name used for element i.
func FieldName(i int) string {
	if i == 0 {
		return "Segment"
	}
	return fmt.Sprintf("Elem%03d", i)
}

// NewSegment builds a synthesized segment record (SeqNo 0).
func NewSegment(id string, elems ...string) *record.Record {
	return record.New(append([]string{id}, elems...), FieldName)
}

// Delimiters describe how an interchange is punctuated.
type Delimiters struct {
	Element byte
	// Segment terminates segments. Only its first non-space character is
	// significant when reading; the whole string is written after each
	// segment, e.g. "~\r\n".
	Segment string
}

func (d Delimiters) terminator() byte {
	t := strings.TrimLeft(d.Segment, " \t\r\n")
	if t == "" {
		return 0
	}
	return t[0]
}

// DefaultElement is written when neither the configuration nor the input
// names an element separator.
const DefaultElement = '*'

// Detected carries the delimiters a source found in its ISA header to the
// writers of the same run. The zero value is ready to use.
type Detected struct {
	v atomic.Pointer[Delimiters]
}

func (d *Detected) Set(delim Delimiters) { d.v.Store(&delim) }

// Get reports the published delimiters, if any. A nil Detected has none.
func (d *Detected) Get() (Delimiters, bool) {
	if d == nil {
		return Delimiters{}, false
	}
	if p := d.v.Load(); p != nil {
		return *p, true
	}
	return Delimiters{}, false
}

// Element resolves the separator to write: configured when set, then the
// detected one, then DefaultElement.
func (d *Detected) Element(configured string) byte {
	if configured != "" {
		return configured[0]
	}
	if delim, ok := d.Get(); ok && delim.Element != 0 {
		return delim.Element
	}
	return DefaultElement
}

// Scanner splits an interchange into segment records.
type Scanner struct {
	br    *bufio.Reader
	sc    *bufio.Scanner
	delim Delimiters
	term  byte
	n     int64
	err   error

	publish *Detected
}

// NewScanner reads segments from r. segTerm may be empty, in which case the
// terminator is taken from the ISA segment.
func NewScanner(r io.Reader, segTerm string) *Scanner {
	return &Scanner{br: bufio.NewReaderSize(r, 64*1024), delim: Delimiters{Segment: segTerm}}
}

// Delimiters returns the delimiters detected so far.
func (s *Scanner) Delimiters() Delimiters { return s.delim }

// Publish makes the scanner store its delimiters in d once the ISA header
// has been read.
func (s *Scanner) Publish(d *Detected) { s.publish = d }

// Next returns the next segment or io.EOF at the end of input.
func (s *Scanner) Next() (*record.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.sc == nil {
		if err := s.detect(); err != nil {
			s.err = err
			return nil, err
		}
	}
	for s.sc.Scan() {
		raw := bytes.TrimSpace(s.sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		s.n++
		rec, err := s.parse(raw)
		if err != nil {
			s.err = err
			return nil, err
		}
		return rec, nil
	}
	if err := s.sc.Err(); err != nil {
		s.err = err
	} else {
		s.err = io.EOF
	}
	return nil, s.err
}

// detect reads the delimiters out of the fixed-width ISA header.
func (s *Scanner) detect() error {
	for {
		b, err := s.br.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		if !isSpace(b[0]) {
			break
		}
		_, _ = s.br.ReadByte()
	}
	head, err := s.br.Peek(isaLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if len(head) < 4 || string(head[:3]) != "ISA" {
		return ErrNoInterchange
	}
	s.delim.Element = head[3]
	s.term = s.delim.terminator()
	if s.term == 0 {
		if len(head) < isaLen {
			return fmt.Errorf("%w: ISA shorter than %d characters", ErrMalformed, isaLen)
		}
		s.term = head[isaLen-1]
		s.delim.Segment = string(s.term)
	}
	if s.term == s.delim.Element || isSpace(s.term) {
		return fmt.Errorf("%w: ambiguous delimiters %q and %q", ErrMalformed, s.delim.Element, s.term)
	}

	if s.publish != nil {
		s.publish.Set(s.delim)
	}

	s.sc = bufio.NewScanner(s.br)
	s.sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	s.sc.Split(s.split)
	return nil
}

func (s *Scanner) split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, s.term); i >= 0 {
		return i + 1, data[:i], nil
	}
	if !atEOF {
		return 0, nil, nil
	}
	if len(bytes.TrimSpace(data)) > 0 {
		return 0, nil, fmt.Errorf("%w: unterminated segment %q", ErrMalformed, truncate(data))
	}
	return len(data), nil, nil
}

func (s *Scanner) parse(raw []byte) (*record.Record, error) {
	elems := strings.Split(string(raw), string(s.delim.Element))
	if !validID(elems[0]) {
		return nil, fmt.Errorf("%w: segment %d has invalid id %q", ErrMalformed, s.n, truncate(raw))
	}
	return record.New(elems, FieldName), nil
}

func validID(id string) bool {
	if len(id) < 2 || len(id) > 3 {
		return false
	}
	for _, c := range id {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }

func truncate(b []byte) string {
	if len(b) > 24 {
		return string(b[:24]) + "..."
	}
	return string(b)
}

// Writer encodes segment records.
type Writer struct {
	w        *bufio.Writer
	delim    Delimiters
	detected *Detected
}

// NewWriter writes with d. A zero element separator is taken from detected
// at the first Write, falling back to DefaultElement; detected may be nil.
func NewWriter(w io.Writer, d Delimiters, detected *Detected) *Writer {
	if d.Segment == "" {
		d.Segment = "~\n"
	}
	return &Writer{w: bufio.NewWriter(w), delim: d, detected: detected}
}

func (w *Writer) Write(rec *record.Record) error {
	if w.delim.Element == 0 {
		w.delim.Element = w.detected.Element("")
	}
	for i, f := range rec.Fields {
		if i > 0 {
			if err := w.w.WriteByte(w.delim.Element); err != nil {
				return err
			}
		}
		if _, err := w.w.WriteString(f.Value); err != nil {
			return err
		}
	}
	_, err := w.w.WriteString(w.delim.Segment)
	return err
}

func (w *Writer) Flush() error { return w.w.Flush() }

// Encode renders one segment without the terminator.
func Encode(rec *record.Record, elem byte) string {
	return strings.Join(rec.Values(), string(elem))
}

// Package file writes a lane to a local X12 file.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"conveyor/internal/record"
	"conveyor/internal/x12"
	"conveyor/sink"
)

type Config struct {
	Path              string `yaml:"path"`
	ElementSeparator  string `yaml:"element_separator"`  // default: the input's
	SegmentTerminator string `yaml:"segment_terminator"` // default "~\r\n"
	// Detected supplies the input's element separator when none is set.
	Detected *x12.Detected `yaml:"-"`
}

type driver struct {
	cfg Config
	f   *os.File
	w   *x12.Writer
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("file-sink: expected Config, got %T", raw)
	}
	if c.Path == "" {
		return errors.New("file-sink: path is required")
	}
	if len(c.ElementSeparator) > 1 {
		return fmt.Errorf("file-sink: element separator %q must be one character", c.ElementSeparator)
	}
	if c.SegmentTerminator == "" {
		c.SegmentTerminator = "~\r\n"
	}
	d.cfg = c

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(c.Path)
	if err != nil {
		return err
	}
	delim := x12.Delimiters{Segment: c.SegmentTerminator}
	if c.ElementSeparator != "" {
		delim.Element = c.ElementSeparator[0]
	}
	d.f, d.w = f, x12.NewWriter(f, delim, c.Detected)
	return nil
}

func (d *driver) Push(rec *record.Record) error { return d.w.Write(rec) }

func (d *driver) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.w.Flush()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	d.f = nil
	return err
}

func init() { sink.Register("file", func() sink.Adapter { return &driver{} }) }

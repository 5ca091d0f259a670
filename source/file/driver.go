// Package file reads an X12 interchange from a local file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"conveyor/internal/logging"
	"conveyor/internal/x12"
	"conveyor/source"
)

type Config struct {
	Path string `yaml:"path"`
	// SegmentTerminator overrides the terminator declared in the ISA header.
	SegmentTerminator string `yaml:"segment_terminator"`
	// Detected, when set, receives the delimiters of the ISA header.
	Detected *x12.Detected `yaml:"-"`
}

type driver struct {
	cfg Config

	mu sync.Mutex
	f  *os.File
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("file-source: expected Config, got %T", raw)
	}
	if c.Path == "" {
		return errors.New("file-source: path is required")
	}
	d.cfg = c
	return nil
}

func (d *driver) Run(ctx context.Context, emit source.EmitFunc) error {
	f, err := os.Open(d.cfg.Path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.f = f
	d.mu.Unlock()
	defer d.Close()

	log := logging.For("file-source")
	log.Debug("reading", "path", d.cfg.Path)

	sc := x12.NewScanner(f, d.cfg.SegmentTerminator)
	sc.Publish(d.cfg.Detected)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			log.Debug("end of input", "path", d.cfg.Path, "segments", n)
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", d.cfg.Path, err)
		}
		n++
		if err := emit(rec); err != nil {
			return err
		}
	}
}

func (d *driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func init() { source.Register("file", func() source.Adapter { return &driver{} }) }

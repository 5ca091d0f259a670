// Package stdout prints a lane to standard output, for debugging pipelines.
package stdout

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"conveyor/internal/record"
	"conveyor/internal/x12"
	"conveyor/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	Lane         string    `yaml:"lane"`          // label printed with each record
	DelayMS      int       `yaml:"delay_ms"`      // artificial per-record delay
	PrintCounter bool      `yaml:"print_counter"` // prepend process-wide seq#
	Out          io.Writer `yaml:"-"`             // os.Stdout when nil
	// Detected supplies the element separator printed between elements.
	Detected *x12.Detected `yaml:"-"`
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
}

var (
	seq     uint64
	writeMu sync.Mutex // several lanes may share one terminal
)

/* ────────── sink.Adapter ────────── */
func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	d.cfg = c
	return nil
}

func (d *driver) Push(rec *record.Record) error {
	if d.cfg.DelayMS > 0 {
		time.Sleep(time.Duration(d.cfg.DelayMS) * time.Millisecond)
	}
	line := x12.Encode(rec, d.cfg.Detected.Element(""))

	writeMu.Lock()
	defer writeMu.Unlock()
	var err error
	if d.cfg.PrintCounter {
		_, err = fmt.Fprintf(d.cfg.Out, "[sink %06d] %s: %s\n", atomic.AddUint64(&seq, 1), d.cfg.Lane, line)
	} else {
		_, err = fmt.Fprintf(d.cfg.Out, "[sink] %s: %s\n", d.cfg.Lane, line)
	}
	return err
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Adapter { return &driver{} })
}

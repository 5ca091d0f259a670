// Package kafka publishes a lane to a Kafka topic, one message per segment.
package kafka

import (
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/record"
	"conveyor/internal/x12"
	"conveyor/sink"
)

// EnvPrefix selects the environment overlay for the Kafka sink config.
const EnvPrefix = "CONVEYOR_KAFKA_SINK__"

type Config struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	Acks    int16    `koanf:"required_acks"` // 0,1,-1
	// Key is attached to every message so one lane stays on one partition.
	Key               string `koanf:"key"`
	ElementSeparator  string `koanf:"element_separator"`  // default: the input's
	SegmentTerminator string `koanf:"segment_terminator"` // default "~"
	// Detected supplies the input's element separator when none is set.
	Detected *x12.Detected `koanf:"-"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CONVEYOR_KAFKA_SINK__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	err := config.LoadKoanf(path, EnvPrefix, &cfg)
	return cfg, err
}

type driver struct {
	cfg  Config
	elem byte
	p    sarama.AsyncProducer

	wg   conc.WaitGroup
	mu   sync.Mutex
	errs *multierror.Error
	once sync.Once
}

func (d *driver) Configure(c any) error {
	cfg, ok := c.(Config)
	if !ok {
		return fmt.Errorf("kafka-sink: want Config, got %T", c)
	}
	if cfg.Topic == "" {
		return errors.New("kafka-sink: topic is required")
	}
	if cfg.SegmentTerminator == "" {
		cfg.SegmentTerminator = "~"
	}
	if len(cfg.ElementSeparator) > 1 {
		return fmt.Errorf("kafka-sink: element separator %q must be one character", cfg.ElementSeparator)
	}
	d.elem = 0
	d.cfg = cfg

	if d.p == nil {
		sc := sarama.NewConfig()
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.Acks)
		sc.Producer.Return.Errors = true
		// a lane must keep its order on the topic
		sc.Net.MaxOpenRequests = 1
		sc.Producer.Idempotent = cfg.Acks == int16(sarama.WaitForAll)
		if sc.Producer.Idempotent {
			sc.Version = sarama.V2_1_0_0
		}
		var err error
		if d.p, err = sarama.NewAsyncProducer(cfg.Brokers, sc); err != nil {
			return err
		}
	}
	d.wg.Go(d.collect)
	return nil
}

func (d *driver) collect() {
	log := logging.For("kafka-sink")
	for perr := range d.p.Errors() {
		log.Error("produce failed", "topic", d.cfg.Topic, "err", perr.Err)
		d.mu.Lock()
		d.errs = multierror.Append(d.errs, perr)
		d.mu.Unlock()
	}
}

// Push enqueues one segment. Delivery failures surface from Push once seen,
// and all of them from Close.
func (d *driver) Push(rec *record.Record) error {
	d.mu.Lock()
	err := d.errs.ErrorOrNil()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if d.elem == 0 {
		// resolved on first use; the source has read its header by now
		d.elem = d.cfg.Detected.Element(d.cfg.ElementSeparator)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.cfg.Topic,
		Value: sarama.StringEncoder(x12.Encode(rec, d.elem) + d.cfg.SegmentTerminator),
	}
	if d.cfg.Key != "" {
		msg.Key = sarama.StringEncoder(d.cfg.Key)
	}
	d.p.Input() <- msg
	return nil
}

func (d *driver) Close() error {
	d.once.Do(func() {
		d.p.AsyncClose()
		d.wg.Wait()
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errs.ErrorOrNil()
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }

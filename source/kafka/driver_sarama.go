// Package kafka reads an X12 interchange from one Kafka partition.
//
// Message values are concatenated in offset order and tokenized as a single
// interchange, so a message may carry any number of whole or partial
// segments.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/IBM/sarama"
	"github.com/sourcegraph/conc"

	"conveyor/internal/logging"
	"conveyor/internal/x12"
	"conveyor/source"
)

type SaramaDriver struct {
	cfg      Config
	consumer sarama.Consumer
}

func (d *SaramaDriver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("kafka-source: expected Config, got %T", raw)
	}
	if cfg.Topic == "" {
		return errors.New("kafka-source: topic is required")
	}
	applyDefaults(&cfg)
	d.cfg = cfg
	if d.consumer != nil {
		return nil
	}

	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	d.consumer, err = sarama.NewConsumer(cfg.Brokers, sc)
	return err
}

func (d *SaramaDriver) startOffset() int64 {
	if d.cfg.StartFrom == "newest" {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}

func (d *SaramaDriver) Run(ctx context.Context, emit source.EmitFunc) error {
	pc, err := d.consumer.ConsumePartition(d.cfg.Topic, d.cfg.Partition, d.startOffset())
	if err != nil {
		return err
	}
	defer pc.AsyncClose()

	pr, pw := io.Pipe()
	var wg conc.WaitGroup
	wg.Go(func() { _ = pw.CloseWithError(d.pump(ctx, pc, pw)) })

	err = d.scan(pr, emit)
	// unblocks pump if scanning stopped early
	_ = pr.CloseWithError(io.ErrClosedPipe)
	wg.Wait()
	return err
}

// pump copies message values into w until the end offset, the idle timeout
// or cancellation.
func (d *SaramaDriver) pump(ctx context.Context, pc sarama.PartitionConsumer, w io.Writer) error {
	log := logging.For("kafka-source")
	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			log.Info("no message within idle timeout; ending input", "topic", d.cfg.Topic, "timeout", d.cfg.IdleTimeout)
			return nil
		case cerr, ok := <-pc.Errors():
			if !ok {
				return nil
			}
			return cerr
		case msg, ok := <-pc.Messages():
			if !ok {
				return nil
			}
			if _, err := w.Write(msg.Value); err != nil {
				return err
			}
			if d.cfg.EndOffset > 0 && msg.Offset+1 >= d.cfg.EndOffset {
				log.Debug("end offset reached", "topic", d.cfg.Topic, "offset", msg.Offset)
				return nil
			}
			idle.Reset(d.cfg.IdleTimeout)
		}
	}
}

func (d *SaramaDriver) scan(r io.Reader, emit source.EmitFunc) error {
	sc := x12.NewScanner(r, d.cfg.SegmentTerminator)
	sc.Publish(d.cfg.Detected)
	for {
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := emit(rec); err != nil {
			return err
		}
	}
}

func (d *SaramaDriver) Close() error {
	if d.consumer == nil {
		return nil
	}
	err := d.consumer.Close()
	d.consumer = nil
	return err
}

func init() { source.Register("kafka", func() source.Adapter { return &SaramaDriver{} }) }

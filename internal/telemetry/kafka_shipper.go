package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	cfg "github.com/ComUnity/insight-service/internal/config"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventShipper routes insight and ingest audit events to their Kafka topics,
// keyed by org so one org's events stay ordered within a partition.
type EventShipper struct {
	cfg       cfg.KafkaConfig
	wInsights messageWriter
	wIngest   messageWriter
	ch        chan any
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	dropped   atomic.Uint64
	onDrop    func(kind string)
}

func NewEventShipper(cfgIn cfg.KafkaConfig) (*EventShipper, error) {
	c := cfgIn
	if !c.Enabled {
		return newEventShipper(c, nil, nil), nil
	}
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}

	tr := &kafka.Transport{
		DialTimeout: c.DialTimeout,
	}
	if c.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	writer := func(topic string) messageWriter {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           c.FlushEvery,
			BatchSize:              c.BatchSize,
			WriteTimeout:           c.WriteTimeout,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					logger.Warnf("[EventShipper] Delivery to %s failed for %d messages: %v", topic, len(msgs), err)
				}
			},
		}
	}
	return newEventShipper(c, writer(c.TopicInsights), writer(c.TopicIngest)), nil
}

func newEventShipper(c cfg.KafkaConfig, insights, ingest messageWriter) *EventShipper {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	return &EventShipper{
		cfg:       c,
		wInsights: insights,
		wIngest:   ingest,
		ch:        make(chan any, c.QueueCapacity),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// OnDrop registers a callback for events dropped on backpressure.
func (s *EventShipper) OnDrop(fn func(kind string)) { s.onDrop = fn }

func (s *EventShipper) Dropped() uint64 { return s.dropped.Load() }

func (s *EventShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.loop()
	})
}

// Stop drains queued events then closes the writers. ctx bounds the wait.
func (s *EventShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.started.Load() {
			select {
			case <-s.done:
			case <-ctx.Done():
				logger.Warnf("[EventShipper] Stop deadline reached with %d events queued", len(s.ch))
			}
		}
		for _, w := range []messageWriter{s.wInsights, s.wIngest} {
			if w != nil {
				_ = w.Close()
			}
		}
	})
}

func (s *EventShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// drop on backpressure
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop(eventKind(ev))
		}
	}
}

func (s *EventShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.ship(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					s.ship(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *EventShipper) ship(ev any) {
	if err := s.dispatch(ev); err != nil {
		logger.Warnf("[EventShipper] Dispatch of %s event failed: %v", eventKind(ev), err)
	}
}

func (s *EventShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	var (
		w   messageWriter
		key string
	)
	switch e := ev.(type) {
	case InsightEvent:
		w, key = s.wInsights, e.OrgID
	case IngestAuditEvent:
		w, key = s.wIngest, e.OrgID
	default:
		return nil
	}
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout+time.Second)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  now,
	})
}

func eventKind(ev any) string {
	switch e := ev.(type) {
	case InsightEvent:
		return e.Type
	case IngestAuditEvent:
		return "ingest.audit"
	}
	return "unknown"
}

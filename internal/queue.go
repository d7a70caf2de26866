package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// Queue is the durable hand-off between the build orchestrator and the
// dispatcher. The Build row is the source of truth; the queue only carries
// the wake-up signal, so a lost message is recovered by the pending sweep.
type Queue struct {
	driver     string
	cfg        QueueConfig
	publisher  message.Publisher
	subscriber message.Subscriber
	river      *riverPublisher
	closeFns   []func() error
}

// NewQueue builds the queue for the configured driver. The gochannel driver
// shares one pub/sub so in-process publish and subscribe see each other;
// the http and riverqueue drivers are publish-only here (their consumers
// live out of process).
func NewQueue(cfg QueueConfig) (*Queue, error) {
	logger := watermill.NewStdLogger(false, false)
	q := &Queue{driver: strings.ToLower(cfg.Driver), cfg: cfg}

	switch q.driver {
	case "gochannel":
		pubsub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.GoChannel.OutputChannelBuffer,
			Persistent:          cfg.GoChannel.Persistent,
		}, logger)
		q.publisher = pubsub
		q.subscriber = pubsub
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		pub, err := retryBuild(cfg.PublishRetry, func() (message.Publisher, error) {
			return wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
		})
		if err != nil {
			return nil, err
		}
		sub, err := wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: "pluginhub-dispatch",
		}, nil, wmkafka.DefaultMarshaler{}, logger)
		if err != nil {
			return nil, err
		}
		q.publisher = pub
		q.subscriber = sub
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, errors.New("nats cluster_id and client_id are required")
		}
		pubCfg := wmnats.StreamingPublisherConfig{
			ClusterID: cfg.NATS.ClusterID,
			ClientID:  cfg.NATS.ClientID + "-pub",
			Marshaler: wmnats.GobMarshaler{},
		}
		subCfg := wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    cfg.NATS.ClientID + "-sub",
			DurableName: "pluginhub-dispatch",
			Unmarshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			pubCfg.StanOptions = append(pubCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
			subCfg.StanOptions = append(subCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		pub, err := retryBuild(cfg.PublishRetry, func() (message.Publisher, error) {
			return wmnats.NewStreamingPublisher(pubCfg, logger)
		})
		if err != nil {
			return nil, err
		}
		sub, err := wmnats.NewStreamingSubscriber(subCfg, logger)
		if err != nil {
			return nil, err
		}
		q.publisher = pub
		q.subscriber = sub
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, errors.New("amqp url is required")
		}
		amqpCfg, err := amqpConfigFromMode(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, err
		}
		pub, err := retryBuild(cfg.PublishRetry, func() (message.Publisher, error) {
			return wmamaqp.NewPublisher(amqpCfg, logger)
		})
		if err != nil {
			return nil, err
		}
		sub, err := wmamaqp.NewSubscriber(amqpCfg, logger)
		if err != nil {
			return nil, err
		}
		q.publisher = pub
		q.subscriber = sub
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, errors.New("sql driver and dsn are required")
		}
		schemaAdapter, offsetsAdapter, err := sqlAdapters(cfg.SQL.Driver)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
			SchemaAdapter:        schemaAdapter,
			AutoInitializeSchema: cfg.SQL.InitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
			ConsumerGroup:    "pluginhub-dispatch",
			SchemaAdapter:    schemaAdapter,
			OffsetsAdapter:   offsetsAdapter,
			InitializeSchema: cfg.SQL.InitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		q.publisher = pub
		q.subscriber = sub
		q.closeFns = append(q.closeFns, db.Close)
	case "http":
		targetMode := strings.ToLower(cfg.HTTP.Mode)
		if targetMode != "topic_url" && targetMode != "base_url" {
			return nil, fmt.Errorf("unsupported http mode: %s", cfg.HTTP.Mode)
		}
		if targetMode == "base_url" && cfg.HTTP.BaseURL == "" {
			return nil, errors.New("http base_url is required for base_url mode")
		}
		pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
				target, err := httpTargetURL(cfg.HTTP, topic)
				if err != nil {
					return nil, err
				}
				return wmhttp.DefaultMarshalMessageFunc(target, msg)
			},
		}, logger)
		if err != nil {
			return nil, err
		}
		q.publisher = pub
	case "riverqueue":
		river, err := newRiverPublisher(cfg.RiverQueue)
		if err != nil {
			return nil, err
		}
		q.river = river
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
	return q, nil
}

// Publish sends payload to topic, retrying per the configured policy.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	attempts := q.cfg.PublishRetry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(q.cfg.PublishRetry.DelayMS) * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}
		lastErr = q.publishOnce(ctx, topic, payload)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (q *Queue) publishOnce(ctx context.Context, topic string, payload []byte) error {
	if q.river != nil {
		return q.river.Publish(ctx, topic, payload)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	return q.publisher.Publish(topic, msg)
}

// Subscribe opens a consume channel for topic. Publish-only drivers (http,
// riverqueue) have no in-process subscriber.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.subscriber == nil {
		return nil, fmt.Errorf("queue driver %s has no in-process subscriber", q.driver)
	}
	return q.subscriber.Subscribe(ctx, topic)
}

// HasSubscriber reports whether dispatch can run in-process.
func (q *Queue) HasSubscriber() bool {
	return q.subscriber != nil
}

// Close shuts down the underlying publisher, subscriber and connections.
func (q *Queue) Close() error {
	var err error
	if q.publisher != nil {
		err = errors.Join(err, q.publisher.Close())
	}
	if q.subscriber != nil && any(q.subscriber) != any(q.publisher) {
		err = errors.Join(err, q.subscriber.Close())
	}
	if q.river != nil {
		err = errors.Join(err, q.river.Close())
	}
	for _, closeFn := range q.closeFns {
		err = errors.Join(err, closeFn())
	}
	return err
}

func retryBuild(retry PublishRetryConfig, build func() (message.Publisher, error)) (message.Publisher, error) {
	attempts := retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(retry.DelayMS) * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		pub, err := build()
		if err == nil {
			return pub, nil
		}
		lastErr = err
		time.Sleep(delay)
	}
	return nil, lastErr
}

func amqpConfigFromMode(url, mode string) (wmamaqp.Config, error) {
	switch strings.ToLower(mode) {
	case "", "durable_queue":
		return wmamaqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamaqp.NewNonDurableQueueConfig(url), nil
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(url, nil), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(url, nil), nil
	default:
		return wmamaqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}

func sqlAdapters(driver string) (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
}

func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", errors.New("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", errors.New("http base_url is empty")
		}
		if topic == "" {
			return strings.TrimRight(cfg.BaseURL, "/"), nil
		}
		return strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/defiscore/service/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing score events to NATS.
type Publisher interface {
	// PublishScore publishes a single score event to "scores.{wallet}".
	PublishScore(ctx context.Context, event *ScoreEvent) error

	// PublishScoreBatch publishes the events of one run and reports how many
	// were delivered. A failed event does not stop the rest of the batch.
	PublishScoreBatch(ctx context.Context, events []*ScoreEvent) (int, error)

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes score events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for credit scores.
	StreamName = "CREDIT_SCORES"

	// SubjectPrefix precedes the wallet in every score subject.
	SubjectPrefix = "scores."

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = SubjectPrefix + "*"

	// StreamRetention is how long messages are retained.
	StreamRetention = 90 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("defiscore-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Wallet credit scores from completed scoring runs",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created", "stream", StreamName)
	return nil
}

// PublishScore publishes a single score event.
func (p *JetStreamPublisher) PublishScore(ctx context.Context, event *ScoreEvent) (err error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordNATSPublish(err, time.Since(start).Seconds())
		}
	}()

	subject := Subject(event.Wallet)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal score event: %w", err)
	}

	// Msg id makes redelivery of the same run idempotent within the dedupe window.
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.RunID+":"+event.Wallet))
	if err != nil {
		return fmt.Errorf("failed to publish score: %w", err)
	}

	p.logger.Debug("published score event",
		"subject", subject,
		"run_id", event.RunID,
		"score", event.CreditScore,
	)
	return nil
}

// PublishScoreBatch publishes each event in turn, logging failures.
// It only returns an error if every event failed.
func (p *JetStreamPublisher) PublishScoreBatch(ctx context.Context, events []*ScoreEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	var lastErr error
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := p.PublishScore(ctx, event); err != nil {
			p.logger.Error("failed to publish score in batch",
				"run_id", event.RunID,
				"wallet", event.Wallet,
				"error", err,
			)
			lastErr = err
			continue
		}
		published++
	}

	p.logger.Debug("published score batch",
		"count", published,
		"failed", len(events)-published,
	)

	if published == 0 {
		return 0, fmt.Errorf("failed to publish any of %d score events: %w", len(events), lastErr)
	}
	return published, nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

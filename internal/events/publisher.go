package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
)

const (
	DefaultStream    = "CRISIS"
	DetectionSubject = "crisis.detection"
	FeedbackSubject  = "crisis.feedback.recorded"
	alertSubjectRoot = "crisis.alert."

	streamMaxAge     = 7 * 24 * time.Hour
	operationTimeout = 30 * time.Second
)

// AlertSubject is the subject lifecycle events of kind are published on
func AlertSubject(kind string) string {
	return alertSubjectRoot + kind
}

// Event is the envelope published for every lifecycle change
type Event struct {
	Kind        string          `json:"kind"`
	Alert       *model.Alert    `json:"alert,omitempty"`
	Feedback    *model.Feedback `json:"feedback,omitempty"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// EnsureStream creates the stream capturing crisis.> if it does not exist
func EnsureStream(ctx context.Context, js nats.JetStreamContext, name string, logger *zap.Logger) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{"crisis.>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	}, nats.Context(ctx))

	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			logger.Info("Stream already exists", zap.String("stream", name))
			return nil
		}
		return err
	}

	logger.Info("Stream created successfully", zap.String("stream", name))
	return nil
}

// Publisher publishes alert and feedback events to JetStream without
// blocking the caller. Publish failures are logged.
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher ensures the stream exists and returns a publisher
func NewPublisher(js nats.JetStreamContext, stream string, logger *zap.Logger) (*Publisher, error) {
	logger = logger.Named("events")

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := EnsureStream(ctx, js, stream, logger); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}

	return &Publisher{
		js:     js,
		logger: logger,
		now:    time.Now,
	}, nil
}

// AlertEvent publishes an alert lifecycle event
func (p *Publisher) AlertEvent(kind string, alert *model.Alert) {
	p.publish(AlertSubject(kind), Event{Kind: kind, Alert: alert, PublishedAt: p.now().UTC()})
}

// FeedbackEvent publishes a recorded feedback
func (p *Publisher) FeedbackEvent(fb *model.Feedback) {
	p.publish(FeedbackSubject, Event{Kind: "feedback", Feedback: fb, PublishedAt: p.now().UTC()})
}

func (p *Publisher) publish(subject string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	fut, err := p.js.PublishAsync(subject, data)
	if err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	go func() {
		select {
		case <-fut.Ok():
		case err := <-fut.Err():
			p.logger.Error("Event not acknowledged",
				zap.String("subject", subject),
				zap.Error(err))
		case <-time.After(operationTimeout):
			p.logger.Warn("Timed out waiting for event ack",
				zap.String("subject", subject))
		}
	}()
}

// Flush waits until every pending publish has been acknowledged
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

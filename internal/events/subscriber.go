package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
)

const ingestDurable = "crisis-ingest"

// Creator opens or merges alerts from detections
type Creator interface {
	Create(ctx context.Context, d model.Detection) (*model.Alert, bool, error)
}

// Subscriber feeds classifier detections published on crisis.detection
// into the registry
type Subscriber struct {
	js      nats.JetStreamContext
	logger  *zap.Logger
	creator Creator
}

// NewSubscriber creates a detection subscriber
func NewSubscriber(js nats.JetStreamContext, creator Creator, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		logger:  logger.Named("detection-subscriber"),
		creator: creator,
	}
}

// Start subscribes until ctx is cancelled. Malformed or invalid detections
// are terminated; other failures are redelivered.
func (s *Subscriber) Start(ctx context.Context) error {
	sub, err := s.js.Subscribe(DetectionSubject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	}, nats.Durable(ingestDurable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return err
	}

	s.logger.Info("Subscribed to detections", zap.String("subject", DetectionSubject))

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}()

	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var d model.Detection
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		s.logger.Error("Failed to unmarshal detection", zap.Error(err))
		s.term(msg)
		return
	}

	alert, created, err := s.creator.Create(ctx, d)
	if err != nil {
		if errors.Is(err, registry.ErrValidation) {
			s.logger.Warn("Rejected detection",
				zap.String("user_id", d.UserID),
				zap.Error(err))
			s.term(msg)
			return
		}
		s.logger.Error("Failed to create alert from detection", zap.Error(err))
		if nakErr := msg.Nak(); nakErr != nil {
			s.logger.Warn("Failed to nak detection", zap.Error(nakErr))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Warn("Failed to ack detection", zap.Error(err))
	}
	s.logger.Debug("Detection ingested",
		zap.String("alert_id", alert.ID),
		zap.Bool("created", created))
}

func (s *Subscriber) term(msg *nats.Msg) {
	if err := msg.Term(); err != nil {
		s.logger.Warn("Failed to terminate detection", zap.Error(err))
	}
}

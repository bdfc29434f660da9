package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// DeliveryTopic carries model.DeliveryEvent as JSON.
const DeliveryTopic = "delivery_events"

// DeliveryApplier is implemented by service.DeliveryService.
type DeliveryApplier interface {
	ApplyDelivery(ctx context.Context, ev model.DeliveryEvent) (bool, error)
}

func PublishDeliveryEvent(ctx context.Context, q Queue, ev model.DeliveryEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode delivery event: %w", err)
	}
	return q.Publish(ctx, DeliveryTopic, body)
}

// StartDeliverySubscriber applies queued delivery events. Malformed and invalid events
// are dropped; store outages and reports that beat their dispatch record are retried
// by the queue.
func StartDeliverySubscriber(q Queue, svc DeliveryApplier, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	err := q.Subscribe(DeliveryTopic, func(ctx context.Context, payload []byte) error {
		var ev model.DeliveryEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			logger.Warn("dropping malformed delivery event", zap.ByteString("payload", payload), zap.Error(err))
			return nil
		}

		applied, err := svc.ApplyDelivery(ctx, ev)
		switch {
		case appErrors.IsCode(err, appErrors.CodeValidation):
			logger.Warn("dropping invalid delivery event", zap.String("provider_id", ev.ProviderID), zap.Error(err))
			return nil
		case err != nil:
			return err
		}
		logger.Debug("delivery event processed",
			zap.String("provider_id", ev.ProviderID),
			zap.String("status", string(ev.FinalStatus)),
			zap.Bool("applied", applied))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", DeliveryTopic, err)
	}
	return nil
}

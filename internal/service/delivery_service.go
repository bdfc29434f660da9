package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-dispatch/internal/cache"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/repository"
)

// DefaultOptOutCode is stored when an opt-out carries no code of its own.
const DefaultOptOutCode = "STOP"

var stopPattern = regexp.MustCompile(`(?i)^\s*stop(?:\s+(\w+))?\s*$`)

// DeliveryService folds asynchronous provider reports back into campaign counters.
// Each dispatch record changes state at most once, so repeated callbacks are harmless.
type DeliveryService struct {
	Dispatches  repository.DispatchStore
	OptOuts     repository.OptOutStore
	MissedCalls cache.MissedCallCache
	Metrics     metrics.Recorder
	Logger      *zap.Logger
}

func (s *DeliveryService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *DeliveryService) recorder() metrics.Recorder {
	if s.Metrics == nil {
		return metrics.Nop{}
	}
	return s.Metrics
}

// ApplyDelivery applies a final delivery status. delivered counts toward delivered;
// failed and undelivered move the unit from sent to failed. The record and the counters
// change in one store write. applied is false for repeated reports. A report for a
// message with no record yet fails with ErrUnknownMessage so the caller retries it.
func (s *DeliveryService) ApplyDelivery(ctx context.Context, ev model.DeliveryEvent) (applied bool, err error) {
	defer func() { s.recorder().RecordDelivery(string(ev.FinalStatus), applied) }()

	if ev.ProviderID == "" {
		return false, appErrors.NewValidation("provider id is required")
	}
	if !ev.FinalStatus.Final() {
		return false, appErrors.NewValidation(fmt.Sprintf("%q is not a final delivery status", ev.FinalStatus))
	}

	delta := repository.StatsDelta{Delivered: 1}
	if ev.FinalStatus != model.DispatchDelivered {
		delta = repository.StatsDelta{Sent: -1, Failed: 1}
	}
	rec, changed, err := s.Dispatches.MarkFinal(ctx, ev.ProviderID, ev.FinalStatus, ev.ErrorCode, delta)
	if err != nil {
		return false, storeError("", fmt.Errorf("settle %s: %w", ev.ProviderID, err))
	}
	if rec == nil {
		s.logger().Warn("delivery report for unknown message", zap.String("provider_id", ev.ProviderID))
		return false, appErrors.NewUnknownMessage(ev.ProviderID)
	}
	if !changed {
		s.logger().Debug("duplicate delivery report",
			zap.String("provider_id", ev.ProviderID),
			zap.String("status", string(rec.Status)))
		return false, nil
	}

	s.logger().Info("delivery report applied",
		zap.String("campaign_id", rec.CampaignID),
		zap.String("provider_id", ev.ProviderID),
		zap.String("status", string(ev.FinalStatus)),
		zap.String("error_code", ev.ErrorCode))
	return true, nil
}

// ApplyResponse counts a reply from phone against the campaign that last reached it.
func (s *DeliveryService) ApplyResponse(ctx context.Context, phone string) (bool, error) {
	rec, err := s.Dispatches.MarkResponded(ctx, phone, repository.StatsDelta{Responded: 1})
	if err != nil {
		return false, storeError("", fmt.Errorf("record response: %w", err))
	}
	if rec == nil {
		return false, nil
	}
	s.logger().Info("response recorded", zap.String("campaign_id", rec.CampaignID), zap.String("phone", phone))
	return true, nil
}

// CallStatus maps a provider call status to a final dispatch status. ok is false for
// intermediate statuses such as ringing.
func CallStatus(status string) (final model.DispatchStatus, missed bool, ok bool) {
	switch strings.ToLower(status) {
	case "completed":
		return model.DispatchDelivered, false, true
	case "busy", "no-answer":
		return model.DispatchUndelivered, true, true
	case "failed", "canceled":
		return model.DispatchFailed, true, true
	}
	return "", false, false
}

// ApplyCallStatus handles a call status report: it settles the dispatch and, for
// unanswered calls, remembers the callee so a call back gets the callback menu.
// Intermediate statuses are ignored.
func (s *DeliveryService) ApplyCallStatus(ctx context.Context, callID, to, status string) (bool, error) {
	final, missed, ok := CallStatus(status)
	if !ok {
		return false, nil
	}
	if missed {
		s.RecordMissedCall(ctx, to, status)
	}
	return s.ApplyDelivery(ctx, model.DeliveryEvent{ProviderID: callID, FinalStatus: final})
}

// RecordMissedCall remembers that phone did not pick up. Cache failures are logged
// only; a lost entry just means the caller gets the generic greeting.
func (s *DeliveryService) RecordMissedCall(ctx context.Context, phone, status string) {
	if phone == "" || s.MissedCalls == nil {
		return
	}
	if err := s.MissedCalls.Put(ctx, phone, cache.MissedCall{Status: status, At: time.Now().UTC()}); err != nil {
		s.logger().Warn("missed call not cached", zap.String("phone", phone), zap.Error(err))
	}
}

// IsMissedCaller reports whether phone recently missed one of our calls.
func (s *DeliveryService) IsMissedCaller(ctx context.Context, phone string) (bool, error) {
	if s.MissedCalls == nil {
		return false, nil
	}
	_, ok, err := s.MissedCalls.Get(ctx, phone)
	return ok, err
}

// OptOut blocks phone from future campaigns.
func (s *DeliveryService) OptOut(ctx context.Context, phone, code string) error {
	if !model.IsE164(phone) {
		return appErrors.NewValidation(fmt.Sprintf("%q is not an E.164 number", phone))
	}
	if code == "" {
		code = DefaultOptOutCode
	}
	if err := s.OptOuts.Add(ctx, phone, code); err != nil {
		return appErrors.NewStoreUnavailable("", err)
	}
	if s.MissedCalls != nil {
		if err := s.MissedCalls.Delete(ctx, phone); err != nil {
			s.logger().Warn("missed call not cleared", zap.String("phone", phone), zap.Error(err))
		}
	}
	s.logger().Info("recipient opted out", zap.String("phone", phone), zap.String("code", code))
	return nil
}

type InboundResult string

const (
	InboundOptOut   InboundResult = "opted_out"
	InboundResponse InboundResult = "responded"
	InboundIgnored  InboundResult = "ignored"
)

// HandleInbound processes a message from a recipient. "STOP" or "STOP <code>" opts
// out; anything else counts as a response.
func (s *DeliveryService) HandleInbound(ctx context.Context, from, body string) (InboundResult, error) {
	if m := stopPattern.FindStringSubmatch(body); m != nil {
		if err := s.OptOut(ctx, from, m[1]); err != nil {
			return "", err
		}
		return InboundOptOut, nil
	}
	ok, err := s.ApplyResponse(ctx, from)
	if err != nil {
		return "", err
	}
	if !ok {
		return InboundIgnored, nil
	}
	return InboundResponse, nil
}

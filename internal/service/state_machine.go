package service

import (
	"fmt"
	"slices"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// transitions lists the legal targets of each status. scheduled→running is reserved
// for future-start campaigns; the dispatcher never drives it. completed is terminal.
var transitions = map[model.Status][]model.Status{
	model.StatusDraft:     {model.StatusRunning, model.StatusScheduled},
	model.StatusScheduled: {model.StatusRunning},
	model.StatusPaused:    {model.StatusRunning},
	model.StatusRunning:   {model.StatusPaused, model.StatusCompleted},
}

// StartableStatuses are the statuses a start command may move to running. scheduled
// is left to the future-start trigger.
var StartableStatuses = slices.DeleteFunc(SourcesOf(model.StatusRunning), func(s model.Status) bool {
	return s == model.StatusScheduled
})

func CanTransition(from, to model.Status) bool {
	return slices.Contains(transitions[from], to)
}

// SourcesOf lists, in sorted order, every status with a legal transition to `to`.
// Conditional status writes take their expected statuses from here.
func SourcesOf(to model.Status) []model.Status {
	var from []model.Status
	for s, targets := range transitions {
		if slices.Contains(targets, to) {
			from = append(from, s)
		}
	}
	slices.Sort(from)
	return from
}

// ValidateStart checks every precondition of a run. It does not mutate c.
func ValidateStart(c *model.Campaign, callbackConfigured bool) error {
	if !slices.Contains(StartableStatuses, c.Status) {
		return appErrors.NewInvalidState(c.ID, fmt.Sprintf("cannot start a %s campaign", c.Status))
	}
	if !c.Channel.Valid() {
		return appErrors.NewValidation(fmt.Sprintf("campaign %s has unknown channel %q", c.ID, c.Channel))
	}
	if len(c.Recipients) == 0 {
		return appErrors.NewEmptyRecipientList(c.ID)
	}
	for _, r := range c.Recipients {
		if !model.IsE164(r.Phone) {
			return appErrors.NewInvalidRecipient(c.ID, r.Phone)
		}
	}
	if c.Channel == model.ChannelCall && !callbackConfigured {
		return appErrors.NewMissingCallbackAddress(c.ID)
	}
	return nil
}

// ValidatePause reports whether a pause is a no-op (already paused) or illegal.
func ValidatePause(id string, status model.Status) (noop bool, err error) {
	if status == model.StatusPaused {
		return true, nil
	}
	if !CanTransition(status, model.StatusPaused) {
		return false, appErrors.NewInvalidState(id, fmt.Sprintf("cannot pause a %s campaign", status))
	}
	return false, nil
}

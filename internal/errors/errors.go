// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// Code classifies an application error so transports can map it without string matching.
type Code string

const (
	CodeNotFound               Code = "not_found"
	CodeInvalidState           Code = "invalid_state"
	CodeEmptyRecipientList     Code = "empty_recipient_list"
	CodeMissingCallbackAddress Code = "missing_callback_address"
	CodeInvalidRecipient       Code = "invalid_recipient"
	CodeValidation             Code = "validation"
	CodeStoreUnavailable       Code = "store_unavailable"
	// CodeUnknownMessage marks a provider report that arrived before its dispatch record.
	CodeUnknownMessage Code = "unknown_message"
)

// AppError carries a Code plus the campaign it concerns.
type AppError struct {
	Code       Code
	Message    string
	CampaignID string
	Err        error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.CampaignID != "" {
		msg = fmt.Sprintf("campaign %s: %s", e.CampaignID, msg)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

// Is matches another *AppError by code, so errors.Is(err, ErrInvalidState) works.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.CampaignID == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound               = &AppError{Code: CodeNotFound}
	ErrInvalidState           = &AppError{Code: CodeInvalidState}
	ErrEmptyRecipientList     = &AppError{Code: CodeEmptyRecipientList}
	ErrMissingCallbackAddress = &AppError{Code: CodeMissingCallbackAddress}
	ErrInvalidRecipient       = &AppError{Code: CodeInvalidRecipient}
	ErrValidation             = &AppError{Code: CodeValidation}
	ErrStoreUnavailable       = &AppError{Code: CodeStoreUnavailable}
	ErrUnknownMessage         = &AppError{Code: CodeUnknownMessage}
)

// Helper constructors

func NewCampaignNotFound(id string) error {
	return &AppError{Code: CodeNotFound, Message: "not found", CampaignID: id}
}

func NewInvalidState(id, msg string) error {
	return &AppError{Code: CodeInvalidState, Message: msg, CampaignID: id}
}

func NewEmptyRecipientList(id string) error {
	return &AppError{Code: CodeEmptyRecipientList, Message: "recipient list is empty", CampaignID: id}
}

func NewMissingCallbackAddress(id string) error {
	return &AppError{Code: CodeMissingCallbackAddress, Message: "call campaigns require a callback address", CampaignID: id}
}

func NewInvalidRecipient(id, phone string) error {
	return &AppError{Code: CodeInvalidRecipient, Message: fmt.Sprintf("recipient %q is not E.164", phone), CampaignID: id}
}

func NewValidation(msg string) error {
	return &AppError{Code: CodeValidation, Message: msg}
}

// NewStoreUnavailable wraps an I/O failure from a store.
func NewStoreUnavailable(id string, err error) error {
	return &AppError{Code: CodeStoreUnavailable, Message: "store unavailable", CampaignID: id, Err: err}
}

// NewUnknownMessage is retryable: the send that produced providerID may still be
// recording its outcome.
func NewUnknownMessage(providerID string) error {
	return &AppError{Code: CodeUnknownMessage, Message: fmt.Sprintf("no dispatch record for message %s", providerID)}
}

// CodeOf returns the code of the first AppError in the chain, or "".
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

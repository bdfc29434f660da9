// Package provider wraps the external telephony/messaging provider behind a
// uniform send contract.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// Request is one unit of communication to one number.
type Request struct {
	Channel model.ChannelType
	To      string
	Content string
	// CallbackURL is fetched by the provider for call flow content. Required for calls.
	CallbackURL string
	// StatusCallbackURL receives asynchronous delivery/call status reports.
	StatusCallbackURL string
}

// Receipt is what the provider returns for an accepted send.
type Receipt struct {
	ProviderID    string
	InitialStatus string
}

// Provider places calls and sends messages.
type Provider interface {
	Send(ctx context.Context, req Request) (Receipt, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Receipt, error)

func (f ProviderFunc) Send(ctx context.Context, req Request) (Receipt, error) { return f(ctx, req) }

type ErrorKind int

const (
	// KindUnavailable covers connectivity and configuration failures.
	KindUnavailable ErrorKind = iota
	// KindRejected covers invalid recipients, quota, and blocked numbers.
	KindRejected
)

func (k ErrorKind) String() string {
	if k == KindRejected {
		return "rejected"
	}
	return "unavailable"
}

// Error is a synchronous provider failure.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s (%s): %s", e.Kind, e.Code, e.Message)
}

func Rejected(code, msg string) error {
	return &Error{Kind: KindRejected, Code: code, Message: msg}
}

func Unavailable(code, msg string) error {
	return &Error{Kind: KindUnavailable, Code: code, Message: msg}
}

// ErrNoCallbackAddress is returned for call sends when no callback base address is configured.
var ErrNoCallbackAddress = errors.New("no callback address configured for call channel")

// Outcome error codes produced by the adapter itself.
const (
	CodeTimeout     = "timeout"
	CodeUnavailable = "provider_unavailable"
	CodeCanceled    = "canceled"
)

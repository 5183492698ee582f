// Package carrier talks to the SMS carrier gateway: submitting messages,
// fetching their status and normalizing carrier status vocabulary.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/unclebandit/smsdispatch/internal/model"
)

type SendRequest struct {
	To             string
	From           string
	Body           string
	IdempotencyKey string
}

type SendResult struct {
	CarrierMessageID string
	Status           model.MessageStatus
	Segments         int
}

type StatusResult struct {
	RawStatus string
	Status    model.MessageStatus
	ErrorCode string
}

type Gateway interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	FetchStatus(ctx context.Context, carrierMessageID string) (*StatusResult, error)
}

// Carrier error codes the dispatcher treats specially.
const (
	CodeTimeout            = "timeout"
	CodeNetwork            = "network"
	CodeRateLimited        = "20429"
	CodeInvalidTo          = "21211"
	CodeRegionNotPermitted = "21408"
	CodeUnsubscribed       = "21610"
	CodeNotMobile          = "21614"
	CodeUnreachable        = "30003"
	CodeUnknownDestination = "30005"
	CodeLandline           = "30006"
	CodeFiltered           = "30007"
)

var permanentCodes = map[string]bool{
	CodeInvalidTo:          true,
	CodeRegionNotPermitted: true,
	CodeUnsubscribed:       true,
	CodeNotMobile:          true,
	CodeUnknownDestination: true,
	CodeLandline:           true,
}

// Error is a synchronous rejection or transport failure.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier error %s: %s", e.Code, e.Message)
}

// Unsubscribed reports whether the carrier refused because the recipient
// opted out at the carrier level.
func (e *Error) Unsubscribed() bool {
	return e.Code == CodeUnsubscribed
}

// Ambiguous reports whether the request may have reached the carrier even
// though no answer came back.
func (e *Error) Ambiguous() bool {
	return e.Code == CodeTimeout || e.Code == CodeNetwork
}

// AsError extracts a carrier error from err. Anything else is wrapped as a
// retryable network error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &Error{Code: CodeNetwork, Message: err.Error(), Retryable: true}
}

// IsPermanentCode reports whether a carrier error code can never succeed on
// retry.
func IsPermanentCode(code string) bool {
	return permanentCodes[code]
}

// NormalizeStatus maps carrier status words onto message statuses. ok is
// false for vocabulary the dispatcher does not track.
func NormalizeStatus(raw string) (model.MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "queued", "scheduled":
		return model.MessageQueued, true
	case "sending", "sent":
		return model.MessageSent, true
	case "delivered", "read":
		return model.MessageDelivered, true
	case "undelivered":
		return model.MessageUndelivered, true
	case "failed", "canceled":
		return model.MessageFailed, true
	case "received", "receiving":
		return model.MessageReceived, true
	}
	return "", false
}

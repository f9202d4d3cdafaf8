package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/campaigner/internal/retry"
)

// Message is one fully rendered outbound email.
type Message struct {
	From     string
	FromName string
	To       string
	Subject  string
	Body     string
	HTML     string
}

// Error carries the delivery failure classification the retry policy acts on.
type Error struct {
	Kind   retry.FailureKind
	Detail string
}

func (e *Error) Error() string {
	return e.Detail
}

// Classify maps an arbitrary send error to a failure kind.
func Classify(err error) retry.FailureKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient
	}
	return retry.Unknown
}

func transientf(format string, args ...any) *Error {
	return &Error{Kind: retry.Transient, Detail: fmt.Sprintf(format, args...)}
}

func permanentf(format string, args ...any) *Error {
	return &Error{Kind: retry.PermanentReject, Detail: fmt.Sprintf(format, args...)}
}

// Mailer hands a message to a transport. Implementations return a provider
// message id on success and an *Error with a failure kind otherwise.
type Mailer interface {
	Send(ctx context.Context, msg *Message) (providerMessageID string, err error)
}

package payments

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindProcessor
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProcessor:
		return "processor"
	case KindPersistence:
		return "persistence"
	}
	return "internal"
}

// Error is the failure type of every payments operation. Two errors match under errors.Is
// when their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// State is the processor payment state carried by PAYMENT_NOT_READY.
	State string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrValidation          = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR"}
	ErrPaymentVerification = &Error{Kind: KindProcessor, Code: "PAYMENT_VERIFICATION_FAILED"}
	ErrPaymentNotReady     = &Error{Kind: KindConflict, Code: "PAYMENT_NOT_READY"}
	ErrProductNotFound     = &Error{Kind: KindNotFound, Code: "PRODUCT_NOT_FOUND"}
	ErrOrderPersistence    = &Error{Kind: KindPersistence, Code: "ORDER_PERSISTENCE_FAILED"}
	ErrOrderNotFound       = &Error{Kind: KindNotFound, Code: "ORDER_NOT_FOUND"}
	ErrAlreadyRefunded     = &Error{Kind: KindConflict, Code: "ALREADY_REFUNDED"}
	ErrReferenceMismatch   = &Error{Kind: KindValidation, Code: "REFERENCE_MISMATCH"}
	ErrInvalidAmount       = &Error{Kind: KindValidation, Code: "INVALID_AMOUNT"}
	ErrProcessorRefund     = &Error{Kind: KindProcessor, Code: "PROCESSOR_REFUND_FAILED"}
	ErrRefundInProgress    = &Error{Kind: KindConflict, Code: "REFUND_IN_PROGRESS"}
	ErrSellerNotFound      = &Error{Kind: KindNotFound, Code: "SELLER_NOT_FOUND"}
	ErrNoPayoutAccount     = &Error{Kind: KindConflict, Code: "NO_PAYOUT_ACCOUNT"}
	ErrPayoutsDisabled     = &Error{Kind: KindConflict, Code: "PAYOUTS_DISABLED"}
	ErrPayoutInProgress    = &Error{Kind: KindConflict, Code: "PAYOUT_IN_PROGRESS"}
	ErrNoEligibleEarnings  = &Error{Kind: KindConflict, Code: "NO_ELIGIBLE_EARNINGS"}
	ErrBelowMinimumPayout  = &Error{Kind: KindConflict, Code: "BELOW_MINIMUM_PAYOUT"}
	ErrProcessor           = &Error{Kind: KindProcessor, Code: "PROCESSOR_ERROR"}
	ErrIntentPersistence   = &Error{Kind: KindPersistence, Code: "INTENT_PERSISTENCE_FAILED"}
	ErrInternal            = &Error{Kind: KindInternal, Code: "INTERNAL_ERROR"}
)

func newError(base *Error, msg string, cause error) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: msg, Err: cause}
}

func validation(format string, args ...any) *Error {
	return newError(ErrValidation, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

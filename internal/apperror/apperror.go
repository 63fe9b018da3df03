package apperror

import "errors"

// Kind describes a stable error category that can be mapped to HTTP status codes.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
)

// Reason is a machine-readable cause attached to redemption rejections.
type Reason string

const (
	ReasonCouponNotFound      Reason = "coupon_not_found"
	ReasonInactive            Reason = "inactive"
	ReasonExpired             Reason = "expired"
	ReasonNotYetValid         Reason = "not_yet_valid"
	ReasonExhausted           Reason = "exhausted"
	ReasonInvalidShareLink    Reason = "invalid_share_link"
	ReasonDuplicateRedemption Reason = "duplicate_redemption"
)

// Message returns the user-facing explanation for a rejection reason.
func (r Reason) Message() string {
	switch r {
	case ReasonCouponNotFound:
		return "coupon not found"
	case ReasonInactive:
		return "this coupon is no longer active"
	case ReasonExpired:
		return "this coupon has expired"
	case ReasonNotYetValid:
		return "this coupon is not valid yet"
	case ReasonExhausted:
		return "this coupon has reached its usage limit"
	case ReasonInvalidShareLink:
		return "the share link is invalid, expired or already used"
	case ReasonDuplicateRedemption:
		return "this redemption request is already being processed"
	default:
		return string(r)
	}
}

// Error is a typed error with a stable Kind and a human-readable message.
// Msg should be safe to return to clients for Validation/NotFound/Conflict.
type Error struct {
	Kind   Kind
	Reason Reason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Reason != "" {
		return e.Reason.Message()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NotFound(msg string, err error) error     { return New(KindNotFound, msg, err) }
func Validation(msg string, err error) error   { return New(KindValidation, msg, err) }
func Conflict(msg string, err error) error     { return New(KindConflict, msg, err) }
func Unauthorized(msg string, err error) error { return New(KindUnauthorized, msg, err) }
func Forbidden(msg string, err error) error    { return New(KindForbidden, msg, err) }

// Rejected builds a conflict (or not-found for missing coupons) carrying a rejection reason.
func Rejected(reason Reason) error {
	kind := KindConflict
	if reason == ReasonCouponNotFound {
		kind = KindNotFound
	}
	return &Error{Kind: kind, Reason: reason, Msg: reason.Message()}
}

func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Reason == "" {
		return "", false
	}
	return e.Reason, true
}

package core

import (
	"errors"
	"strconv"
)

// Reason explains why a request did not use (or could not finish on) premium speech.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoIdentity
	ReasonPlanNotLoaded
	ReasonBasicPlan
	ReasonQuotaExhausted
	ReasonSubscriptionExpiredOrInactive
	ReasonBlocked
	ReasonVendorError
	ReasonLedgerUnavailable
	ReasonCancelled
	ReasonFallbackUnavailable
	ReasonBothFailed
)

var reasonNames = map[Reason]string{
	ReasonNone:                          "none",
	ReasonNoIdentity:                    "no_identity",
	ReasonPlanNotLoaded:                 "plan_not_loaded",
	ReasonBasicPlan:                     "basic_plan",
	ReasonQuotaExhausted:                "quota_exhausted",
	ReasonSubscriptionExpiredOrInactive: "subscription_expired_or_inactive",
	ReasonBlocked:                       "blocked",
	ReasonVendorError:                   "vendor_error",
	ReasonLedgerUnavailable:             "ledger_unavailable",
	ReasonCancelled:                     "cancelled",
	ReasonFallbackUnavailable:           "fallback_unavailable",
	ReasonBothFailed:                    "both_failed",
}

func (r Reason) String() string {
	name, ok := reasonNames[r]
	if !ok {
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}

	return name
}

// MarshalText renders the reason with its snake_case name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Sentinel errors shared across packages.
var (
	ErrStudentNotFound        = errors.New("student not found")
	ErrUpgradeNotFound        = errors.New("upgrade request not found")
	ErrUpgradeNotPending      = errors.New("upgrade request is not pending")
	ErrPendingUpgradeExists   = errors.New("a pending upgrade request already exists")
	ErrStudentBlocked         = errors.New("student is blocked")
	ErrAlreadyPro             = errors.New("student already has an active pro plan")
	ErrInvalidCharCount       = errors.New("character count must be positive")
	ErrFallbackUnavailable    = errors.New("device speech synthesis unavailable")
	ErrBothFailed             = errors.New("premium and fallback speech both failed")
	ErrEmptyText              = errors.New("text cannot be empty")
	ErrPremiumNotConfigured   = errors.New("premium speech backend not configured")
	ErrUnsupportedAudioFormat = errors.New("unsupported audio format")
)

// SynthesisError carries the details of a failed premium vendor call.
// It never crosses the router boundary.
type SynthesisError struct {
	Provider  string
	Code      string
	Status    int
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *SynthesisError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Code != "" {
		msg += " (code: " + e.Code + ")"
	}

	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}

	return msg
}

// Unwrap returns the underlying error.
func (e *SynthesisError) Unwrap() error {
	return e.Cause
}

// Package plan computes a student's plan status. Evaluate is the only place
// that turns a subscription into an entitlement; the router, the ledger, the
// HTTP read model and the operator report all go through it.
package plan

import (
	"time"

	"github.com/book-expert/tutor-tts-service/internal/core"
)

// Kind is the tagged status of a subscription.
type Kind int

const (
	KindUnknown Kind = iota
	KindBasic
	KindBlocked
	KindProActive
	KindProQuotaExhausted
	KindProExpired
	KindProInactive
)

var kindLabels = map[Kind]string{
	KindUnknown:           "Unknown",
	KindBasic:             "Basic",
	KindBlocked:           "Blocked",
	KindProActive:         "Active Pro",
	KindProQuotaExhausted: "Voice Limit Reached",
	KindProExpired:        "Pro Expired",
	KindProInactive:       "Pro Inactive",
}

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindBasic:             "basic",
	KindBlocked:           "blocked",
	KindProActive:         "pro_active",
	KindProQuotaExhausted: "pro_quota_exhausted",
	KindProExpired:        "pro_expired",
	KindProInactive:       "pro_inactive",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return kindNames[KindUnknown]
	}

	return name
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Status is the computed plan read model of one student.
type Status struct {
	StudentID     string
	Kind          Kind
	Plan          core.Plan
	Active        bool
	Blocked       bool
	EndsAt        *time.Time
	Used          int
	Limit         int
	Remaining     int
	CanUsePremium bool
}

// SafeDefault is returned whenever a subscription cannot be read.
// Premium access fails closed.
func SafeDefault(studentID string) Status {
	return Status{
		StudentID:     studentID,
		Kind:          KindUnknown,
		Plan:          core.PlanBasic,
		Active:        false,
		Blocked:       false,
		EndsAt:        nil,
		Used:          0,
		Limit:         0,
		Remaining:     0,
		CanUsePremium: false,
	}
}

// Unregistered is the status of a student without a subscription row: a
// loaded basic plan, since every student starts on basic.
func Unregistered(studentID string, now time.Time) Status {
	return Evaluate(core.Subscription{
		StudentID:       studentID,
		Plan:            core.PlanBasic,
		CharactersLimit: core.DefaultCharactersLimit,
		UpdatedAt:       now,
	}, now)
}

// Evaluate computes the status of sub at now.
func Evaluate(sub core.Subscription, now time.Time) Status {
	status := Status{
		StudentID:     sub.StudentID,
		Kind:          KindUnknown,
		Plan:          sub.Plan,
		Active:        sub.Active,
		Blocked:       sub.Blocked,
		EndsAt:        sub.EndsAt,
		Used:          sub.CharactersUsed,
		Limit:         sub.CharactersLimit,
		Remaining:     sub.Remaining(),
		CanUsePremium: false,
	}

	expired := sub.EndsAt != nil && !sub.EndsAt.After(now)

	switch {
	case sub.Blocked:
		status.Kind = KindBlocked
	case sub.Plan != core.PlanPro:
		status.Kind = KindBasic
		status.Plan = core.PlanBasic
	case !sub.Active:
		status.Kind = KindProInactive
	case expired:
		status.Kind = KindProExpired
	case sub.CharactersUsed >= sub.CharactersLimit:
		status.Kind = KindProQuotaExhausted
	default:
		status.Kind = KindProActive
		status.CanUsePremium = true
	}

	return status
}

// Label is the human-readable status shown to students and operators.
func (s Status) Label() string {
	return kindLabels[s.Kind]
}

// DenialReason returns why a request of the given length may not use premium
// speech, or core.ReasonNone when it may.
func (s Status) DenialReason(characters int) core.Reason {
	switch s.Kind {
	case KindUnknown:
		return core.ReasonPlanNotLoaded
	case KindBasic:
		return core.ReasonBasicPlan
	case KindBlocked:
		return core.ReasonBlocked
	case KindProInactive, KindProExpired:
		return core.ReasonSubscriptionExpiredOrInactive
	case KindProQuotaExhausted:
		return core.ReasonQuotaExhausted
	case KindProActive:
		if !s.CanUsePremium {
			return core.ReasonQuotaExhausted
		}

		if characters > s.Remaining {
			return core.ReasonQuotaExhausted
		}
	}

	return core.ReasonNone
}

// WithUsage returns a copy of s reconciled with authoritative ledger numbers.
func (s Status) WithUsage(used, limit int) Status {
	s.Used = used
	s.Limit = limit

	s.Remaining = limit - used
	if s.Remaining < 0 {
		s.Remaining = 0
	}

	if s.Kind == KindProActive && used >= limit {
		s.Kind = KindProQuotaExhausted
	}

	s.CanUsePremium = s.Kind == KindProActive

	return s
}

// WithoutPremium returns a copy of s that short-circuits premium attempts,
// used after the ledger reported the quota exhausted.
func (s Status) WithoutPremium() Status {
	s.CanUsePremium = false
	if s.Kind == KindProActive {
		s.Kind = KindProQuotaExhausted
	}

	return s
}

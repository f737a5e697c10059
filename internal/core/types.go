package core

import "time"

// Plan is the subscription tier of a student.
type Plan string

const (
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanBasic || p == PlanPro
}

// DefaultCharactersLimit is the monthly premium allowance of a pro plan.
const DefaultCharactersLimit = 150000

// Subscription is the one-per-student plan record.
// Active is only meaningful for pro plans; every revocation path stores
// plan=basic, active=false, ends_at=nil.
type Subscription struct {
	StudentID       string
	Plan            Plan
	Active          bool
	Blocked         bool
	StartedAt       *time.Time
	EndsAt          *time.Time
	CharactersUsed  int
	CharactersLimit int
	UpdatedAt       time.Time
}

// Remaining returns the characters left in the current cycle, never negative.
func (s Subscription) Remaining() int {
	remaining := s.CharactersLimit - s.CharactersUsed
	if remaining < 0 {
		return 0
	}

	return remaining
}

// UpgradeStatus is the state of an upgrade request.
type UpgradeStatus string

const (
	UpgradePending  UpgradeStatus = "pending"
	UpgradeApproved UpgradeStatus = "approved"
	UpgradeRejected UpgradeStatus = "rejected"
	UpgradeBlocked  UpgradeStatus = "blocked"
)

// UpgradeRequest is a student-initiated request to move from basic to pro.
type UpgradeRequest struct {
	ID              string
	StudentID       string
	Status          UpgradeStatus
	RequestedAt     time.Time
	ProcessedAt     *time.Time
	RejectionReason string
}

// Reservation is the result of an atomic check-and-reserve against the ledger.
type Reservation struct {
	Granted bool
	Used    int
	Limit   int
	Reason  Reason
}

// Remaining returns the characters left after the reservation.
func (r Reservation) Remaining() int {
	if r.Used >= r.Limit {
		return 0
	}

	return r.Limit - r.Used
}

// BackendKind names which speech backend produced an utterance.
type BackendKind string

const (
	BackendPremium  BackendKind = "premium"
	BackendFallback BackendKind = "fallback"
)

// SynthesisRequest is what a speech backend receives. Text is already sanitized.
type SynthesisRequest struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
}

// Audio is a synthesized utterance. Premium audio carries Data; fallback
// audio carries only the parameters the device needs to speak Text.
type Audio struct {
	Data       []byte
	MIMEType   string
	Backend    BackendKind
	VoiceID    string
	Language   string
	Model      string
	Text       string
	Speed      float64
	Characters int
	Cached     bool
	CreatedAt  time.Time
}

// HasData reports whether the utterance carries encoded audio bytes.
func (a *Audio) HasData() bool {
	return a != nil && len(a.Data) > 0
}

// Package router decides, per utterance, between metered premium speech and
// device fallback speech, commits premium usage to the ledger and drives
// playback.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/plan"
	"github.com/book-expert/tutor-tts-service/internal/playback"
	"github.com/book-expert/tutor-tts-service/internal/tts/text"
)

const defaultResolveTimeout = 5 * time.Second

const (
	logFmtRouted          = "Speech for student %q routed to %s (%s), %d characters"
	logFmtVendorFailed    = "Premium synthesis for student %q failed, using fallback: %v"
	logFmtLedgerFailed    = "Usage ledger unavailable for student %q, using fallback: %v"
	logFmtPremiumDenied   = "Premium denied for student %q by ledger: %s (used %d of %d)"
	logFmtFallbackFailed  = "Fallback synthesis for student %q failed: %v"
	logFmtFallbackMissing = "Fallback speech unavailable for student %q, utterance dropped"
	logFmtPlaybackError   = "Playback for student %q failed: %v"
)

// PlanResolver returns the current plan status of a student and never fails.
type PlanResolver interface {
	Resolve(ctx context.Context, studentID string) plan.Status
}

// Player plays one utterance at a time.
type Player interface {
	Play(ctx context.Context, clip *core.Audio) <-chan playback.Event
	Stop()
}

// Observer receives routing outcomes, typically for metrics.
type Observer interface {
	Routed(backend core.BackendKind, reason core.Reason)
	Reserved(granted bool, characters int)
}

// Request is one utterance asked for by a client.
type Request struct {
	Text     string
	VoiceID  string
	Language string
	Speed    float64
}

// Outcome describes how an utterance was routed. Audio is nil when the
// device cannot speak, which is not an error.
type Outcome struct {
	Audio       *core.Audio
	Backend     core.BackendKind
	Reason      core.Reason
	Characters  int
	Reservation *core.Reservation
	States      []State

	premiumErr error
}

// View is the plan and usage read model shown to the student.
type View struct {
	Plan          core.Plan `json:"plan"`
	Status        string    `json:"status"`
	Loaded        bool      `json:"loaded"`
	TTSUsed       int       `json:"ttsUsed"`
	TTSLimit      int       `json:"ttsLimit"`
	TTSRemaining  int       `json:"ttsRemaining"`
	CanUsePremium bool      `json:"canUsePremium"`
	UsingPremium  bool      `json:"usingPremium"`
}

// Config wires a Router. Premium, Ledger, Player and Observer are optional.
type Config struct {
	StudentID      string
	ClientID       string
	Premium        core.SpeechBackend
	Fallback       core.SpeechBackend
	Ledger         core.UsageLedger
	Resolver       PlanResolver
	Player         Player
	Observer       Observer
	Log            *logger.Logger
	PremiumTimeout time.Duration
	ResolveTimeout time.Duration
	Now            func() time.Time
}

// Router is the per-client speech router. At most one utterance is in
// flight; a new Speak cancels the previous one.
type Router struct {
	cfg Config

	mu           sync.Mutex
	hint         *plan.Status
	refreshing   bool
	usingPremium bool
	cancel       context.CancelFunc
	seq          uint64
	lastUsed     time.Time
}

// New creates a Router with no plan loaded.
func New(cfg Config) *Router {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}

	return &Router{
		cfg:          cfg,
		mu:           sync.Mutex{},
		hint:         nil,
		refreshing:   false,
		usingPremium: false,
		cancel:       nil,
		seq:          0,
		lastUsed:     cfg.Now(),
	}
}

// StudentID returns the student this router serves.
func (r *Router) StudentID() string {
	return r.cfg.StudentID
}

// Refresh resolves the plan and replaces the hint.
func (r *Router) Refresh(ctx context.Context) plan.Status {
	if r.cfg.Resolver == nil || r.cfg.StudentID == "" {
		return plan.SafeDefault(r.cfg.StudentID)
	}

	status := r.cfg.Resolver.Resolve(ctx, r.cfg.StudentID)

	r.mu.Lock()
	r.hint = &status
	r.mu.Unlock()

	return status
}

// Invalidate drops the plan hint so the next utterance re-resolves it.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hint = nil
}

// View returns the current read model.
func (r *Router) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hint == nil {
		return View{
			Plan:          core.PlanBasic,
			Status:        plan.KindUnknown.String(),
			Loaded:        false,
			TTSUsed:       0,
			TTSLimit:      0,
			TTSRemaining:  0,
			CanUsePremium: false,
			UsingPremium:  r.usingPremium,
		}
	}

	return View{
		Plan:          r.hint.Plan,
		Status:        r.hint.Label(),
		Loaded:        r.hint.Kind != plan.KindUnknown,
		TTSUsed:       r.hint.Used,
		TTSLimit:      r.hint.Limit,
		TTSRemaining:  r.hint.Remaining,
		CanUsePremium: r.hint.CanUsePremium,
		UsingPremium:  r.usingPremium,
	}
}

// Speak cancels any utterance in flight, routes req and plays the result,
// returning when playback ends. A superseded or stopped utterance returns
// nil, as does a device without speech capability.
func (r *Router) Speak(ctx context.Context, req Request) error {
	utteranceCtx, seq := r.begin(ctx)
	defer r.finish(seq)

	outcome, err := r.Synthesize(utteranceCtx, req)
	if err != nil {
		if IsCancelled(err) {
			return nil
		}

		return err
	}

	if outcome.Audio == nil || r.cfg.Player == nil {
		return nil
	}

	for event := range r.cfg.Player.Play(utteranceCtx, outcome.Audio) {
		if event.Kind == playback.EventErrored {
			r.cfg.Log.Warn(logFmtPlaybackError, r.cfg.StudentID, event.Err)

			return fmt.Errorf("playback failed: %w", event.Err)
		}
	}

	return nil
}

// Stop cancels the utterance in flight and silences playback.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if r.cfg.Player != nil {
		r.cfg.Player.Stop()
	}
}

// Synthesize routes req without playing it. Besides core.ErrEmptyText, only
// both-failed and cancelled utterances return an error, as *RouteError.
func (r *Router) Synthesize(ctx context.Context, req Request) (*Outcome, error) {
	sanitized := text.Sanitize(req.Text)
	if sanitized == "" {
		return nil, core.ErrEmptyText
	}

	r.touch()

	outcome := &Outcome{
		Audio:       nil,
		Backend:     core.BackendFallback,
		Reason:      core.ReasonNone,
		Characters:  text.CharCount(sanitized),
		Reservation: nil,
		States:      []State{StateIdle, StateRouting},
		premiumErr:  nil,
	}

	synthReq := core.SynthesisRequest{
		Text:     sanitized,
		VoiceID:  req.VoiceID,
		Language: req.Language,
		Speed:    req.Speed,
	}

	outcome.Reason = r.decide(outcome.Characters)

	if outcome.Reason == core.ReasonNone {
		done, err := r.attemptPremium(ctx, synthReq, outcome)
		if err != nil {
			return nil, err
		}

		if done {
			r.report(outcome)

			return outcome, nil
		}
	}

	err := r.attemptFallback(ctx, synthReq, outcome)
	if err != nil {
		return nil, err
	}

	r.report(outcome)

	return outcome, nil
}

// decide applies the routing rules in order and returns ReasonNone when
// premium should be attempted.
func (r *Router) decide(characters int) core.Reason {
	if r.cfg.StudentID == "" {
		return core.ReasonNoIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hint == nil || r.hint.Kind == plan.KindUnknown {
		r.refreshLocked()

		return core.ReasonPlanNotLoaded
	}

	reason := r.hint.DenialReason(characters)

	if reason == core.ReasonQuotaExhausted {
		withoutPremium := r.hint.WithoutPremium()
		r.hint = &withoutPremium
	}

	if reason == core.ReasonNone && (r.cfg.Premium == nil || r.cfg.Ledger == nil) {
		return core.ReasonVendorError
	}

	return reason
}

// attemptPremium returns true when the outcome is final.
func (r *Router) attemptPremium(ctx context.Context, req core.SynthesisRequest, outcome *Outcome) (bool, error) {
	outcome.States = append(outcome.States, StatePremiumAttempt)

	premiumCtx := ctx

	if r.cfg.PremiumTimeout > 0 {
		var cancel context.CancelFunc

		premiumCtx, cancel = context.WithTimeout(ctx, r.cfg.PremiumTimeout)
		defer cancel()
	}

	clip, err := r.cfg.Premium.Synthesize(premiumCtx, req)

	// Usage is only committed for utterances the caller still wants.
	if ctx.Err() != nil {
		return true, r.cancelled(ctx, outcome, err)
	}

	if err != nil {
		r.cfg.Log.Warn(logFmtVendorFailed, r.cfg.StudentID, err)
		outcome.States = append(outcome.States, StatePremiumFailed)
		outcome.Reason = core.ReasonVendorError
		outcome.premiumErr = err

		return false, nil
	}

	reservation, err := r.cfg.Ledger.CheckAndReserve(ctx, r.cfg.StudentID, clip.Characters)
	if err != nil {
		r.cfg.Log.Error(logFmtLedgerFailed, r.cfg.StudentID, err)
		outcome.States = append(outcome.States, StatePremiumDenied)
		outcome.Reason = core.ReasonLedgerUnavailable
		outcome.premiumErr = err

		return false, nil
	}

	outcome.Reservation = &reservation
	r.reconcile(reservation)

	if r.cfg.Observer != nil {
		r.cfg.Observer.Reserved(reservation.Granted, clip.Characters)
	}

	if !reservation.Granted {
		r.cfg.Log.Info(logFmtPremiumDenied, r.cfg.StudentID, reservation.Reason, reservation.Used, reservation.Limit)
		outcome.States = append(outcome.States, StatePremiumDenied)
		outcome.Reason = reservation.Reason

		return false, nil
	}

	outcome.States = append(outcome.States, StatePremiumSuccess, StateDone)
	outcome.Audio = clip
	outcome.Backend = core.BackendPremium
	outcome.Reason = core.ReasonNone
	outcome.Characters = clip.Characters

	return true, nil
}

func (r *Router) attemptFallback(ctx context.Context, req core.SynthesisRequest, outcome *Outcome) error {
	outcome.States = append(outcome.States, StateFallbackAttempt)

	if ctx.Err() != nil {
		return r.cancelled(ctx, outcome, nil)
	}

	if r.cfg.Fallback == nil {
		outcome.States = append(outcome.States, StateFallbackFailed, StateDone)
		outcome.Reason = core.ReasonFallbackUnavailable
		r.cfg.Log.Warn(logFmtFallbackMissing, r.cfg.StudentID)

		return nil
	}

	clip, err := r.cfg.Fallback.Synthesize(ctx, req)

	switch {
	case err == nil:
		outcome.States = append(outcome.States, StateFallbackSuccess, StateDone)
		outcome.Audio = clip
		outcome.Backend = core.BackendFallback

		return nil
	case ctx.Err() != nil:
		return r.cancelled(ctx, outcome, err)
	case errors.Is(err, core.ErrFallbackUnavailable):
		outcome.States = append(outcome.States, StateFallbackFailed, StateDone)
		outcome.Reason = core.ReasonFallbackUnavailable
		r.cfg.Log.Warn(logFmtFallbackMissing, r.cfg.StudentID)

		return nil
	default:
		outcome.States = append(outcome.States, StateFallbackFailed, StateDone)
		outcome.Reason = core.ReasonBothFailed
		r.cfg.Log.Error(logFmtFallbackFailed, r.cfg.StudentID, err)
		r.report(outcome)

		return &RouteError{Reason: core.ReasonBothFailed, Premium: outcome.premiumErr, Fallback: err}
	}
}

func (r *Router) cancelled(ctx context.Context, outcome *Outcome, cause error) error {
	outcome.States = append(outcome.States, StateDone)
	outcome.Reason = core.ReasonCancelled

	if cause == nil {
		cause = ctx.Err()
	}

	return &RouteError{Reason: core.ReasonCancelled, Premium: cause, Fallback: nil}
}

// reconcile updates the hint from authoritative ledger numbers. A denial
// for any reason other than quota means the hint is stale.
func (r *Router) reconcile(reservation core.Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hint == nil {
		return
	}

	switch {
	case reservation.Granted:
		updated := r.hint.WithUsage(reservation.Used, reservation.Limit)
		r.hint = &updated
	case reservation.Reason == core.ReasonQuotaExhausted:
		updated := r.hint.WithUsage(reservation.Used, reservation.Limit).WithoutPremium()
		r.hint = &updated
	default:
		r.hint = nil
		r.refreshLocked()
	}
}

// refreshLocked starts one background resolve.
func (r *Router) refreshLocked() {
	if r.refreshing || r.cfg.Resolver == nil {
		return
	}

	r.refreshing = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ResolveTimeout)
		defer cancel()

		r.Refresh(ctx)

		r.mu.Lock()
		r.refreshing = false
		r.mu.Unlock()
	}()
}

func (r *Router) begin(ctx context.Context) (context.Context, uint64) {
	r.Stop()

	utteranceCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.cancel = cancel

	return utteranceCtx, r.seq
}

func (r *Router) finish(seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seq == seq && r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Router) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastUsed = r.cfg.Now()
}

func (r *Router) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastUsed
}

func (r *Router) report(outcome *Outcome) {
	r.mu.Lock()
	r.usingPremium = outcome.Backend == core.BackendPremium && outcome.Audio != nil
	r.mu.Unlock()

	r.cfg.Log.Info(logFmtRouted, r.cfg.StudentID, outcome.Backend, outcome.Reason, outcome.Characters)

	if r.cfg.Observer != nil {
		r.cfg.Observer.Routed(outcome.Backend, outcome.Reason)
	}
}

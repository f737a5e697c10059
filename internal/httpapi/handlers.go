package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/auth"
	"github.com/book-expert/tutor-tts-service/internal/core"
	"github.com/book-expert/tutor-tts-service/internal/report"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/school"
)

const (
	logFmtSpeechFailed = "Speech request for student %q failed: %v"
	logFmtActionFailed = "Operator action %s failed: %v"
)

var errMissingClaims = errors.New("request is not authenticated")

type handlers struct {
	routers  RouterSource
	school   *school.Service
	log      *logger.Logger
	limiters *limiterSet
	now      func() time.Time
}

type speechRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

type speechResponse struct {
	Backend    string      `json:"backend"`
	Reason     string      `json:"reason"`
	Characters int         `json:"characters"`
	Audio      []byte      `json:"audio,omitempty"`
	MIMEType   string      `json:"mimeType,omitempty"`
	Cached     bool        `json:"cached"`
	Voice      string      `json:"voice,omitempty"`
	Language   string      `json:"language,omitempty"`
	Speed      float64     `json:"speed,omitempty"`
	Usage      router.View `json:"usage"`
}

type subscriptionResponse struct {
	StudentID       string     `json:"studentId"`
	Plan            core.Plan  `json:"plan"`
	Active          bool       `json:"active"`
	Blocked         bool       `json:"blocked"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndsAt          *time.Time `json:"endsAt,omitempty"`
	CharactersUsed  int        `json:"charactersUsed"`
	CharactersLimit int        `json:"charactersLimit"`
}

type upgradeResponse struct {
	ID              string             `json:"id"`
	StudentID       string             `json:"studentId"`
	Status          core.UpgradeStatus `json:"status"`
	RequestedAt     time.Time          `json:"requestedAt"`
	ProcessedAt     *time.Time         `json:"processedAt,omitempty"`
	RejectionReason string             `json:"rejectionReason,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type expireResponse struct {
	Expired []string `json:"expired"`
}

func (h *handlers) speech(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingClaims)

		return
	}

	if !h.limiters.allow(claims.StudentID) {
		writeError(w, http.StatusTooManyRequests, errRateLimited)

		return
	}

	var body speechRequest

	err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	speechRouter := h.router(r, claims.StudentID)

	outcome, err := speechRouter.Synthesize(r.Context(), router.Request{
		Text:     body.Text,
		VoiceID:  body.Voice,
		Language: body.Language,
		Speed:    body.Speed,
	})
	if err != nil {
		h.log.Warn(logFmtSpeechFailed, claims.StudentID, err)
		writeError(w, statusFor(err), err)

		return
	}

	response := speechResponse{
		Backend:    string(outcome.Backend),
		Reason:     outcome.Reason.String(),
		Characters: outcome.Characters,
		Usage:      speechRouter.View(),
	}

	if outcome.Audio != nil {
		response.Audio = outcome.Audio.Data
		response.MIMEType = outcome.Audio.MIMEType
		response.Cached = outcome.Audio.Cached
		response.Voice = outcome.Audio.VoiceID
		response.Language = outcome.Audio.Language
		response.Speed = outcome.Audio.Speed
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *handlers) plan(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingClaims)

		return
	}

	speechRouter := h.routers.Get(claims.StudentID, clientID(r))
	speechRouter.Refresh(r.Context())

	writeJSON(w, http.StatusOK, speechRouter.View())
}

func (h *handlers) requestUpgrade(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errMissingClaims)

		return
	}

	req, err := h.school.RequestUpgrade(r.Context(), claims.StudentID)
	if err != nil {
		writeError(w, statusFor(err), err)

		return
	}

	writeJSON(w, http.StatusCreated, toUpgradeResponse(req))
}

func (h *handlers) approveUpgrade(w http.ResponseWriter, r *http.Request) {
	sub, err := h.school.ApproveUpgrade(r.Context(), r.PathValue("id"))
	h.respondSubscription(w, "approve", sub, err)
}

func (h *handlers) rejectUpgrade(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest

	err := decodeBody(w, r, &body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	req, err := h.school.RejectUpgrade(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		h.log.Warn(logFmtActionFailed, "reject", err)
		writeError(w, statusFor(err), err)

		return
	}

	writeJSON(w, http.StatusOK, toUpgradeResponse(req))
}

func (h *handlers) blockStudent(w http.ResponseWriter, r *http.Request) {
	sub, err := h.school.BlockStudent(r.Context(), r.PathValue("id"))
	h.respondSubscription(w, "block", sub, err)
}

func (h *handlers) unblockStudent(w http.ResponseWriter, r *http.Request) {
	sub, err := h.school.UnblockStudent(r.Context(), r.PathValue("id"))
	h.respondSubscription(w, "unblock", sub, err)
}

func (h *handlers) cancelPro(w http.ResponseWriter, r *http.Request) {
	sub, err := h.school.CancelPro(r.Context(), r.PathValue("id"))
	h.respondSubscription(w, "cancel-pro", sub, err)
}

func (h *handlers) resetUsage(w http.ResponseWriter, r *http.Request) {
	sub, err := h.school.ResetUsage(r.Context(), r.PathValue("id"))
	h.respondSubscription(w, "reset-usage", sub, err)
}

func (h *handlers) expire(w http.ResponseWriter, r *http.Request) {
	expired, err := h.school.ExpireDue(r.Context())
	if err != nil {
		h.log.Error(logFmtActionFailed, "expire", err)
		writeError(w, statusFor(err), err)

		return
	}

	if expired == nil {
		expired = []string{}
	}

	writeJSON(w, http.StatusOK, expireResponse{Expired: expired})
}

func (h *handlers) usageReport(w http.ResponseWriter, r *http.Request) {
	subs, err := h.school.Subscriptions(r.Context())
	if err != nil {
		h.log.Error(logFmtActionFailed, "usage report", err)
		writeError(w, statusFor(err), err)

		return
	}

	now := h.now()

	workbook, err := report.UsageWorkbook(subs, now)
	if err != nil {
		h.log.Error(logFmtActionFailed, "usage report", err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.FileName(now)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(workbook)
}

func (h *handlers) respondSubscription(w http.ResponseWriter, action string, sub *core.Subscription, err error) {
	if err != nil {
		h.log.Warn(logFmtActionFailed, action, err)
		writeError(w, statusFor(err), err)

		return
	}

	writeJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// router returns the caller's router with its plan hint loaded.
func (h *handlers) router(r *http.Request, studentID string) *router.Router {
	speechRouter := h.routers.Get(studentID, clientID(r))
	if !speechRouter.View().Loaded {
		speechRouter.Refresh(r.Context())
	}

	return speechRouter
}

func clientID(r *http.Request) string {
	id := r.Header.Get(headerClientID)
	if id == "" {
		return defaultClientID
	}

	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()

	err := decoder.Decode(target)
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

func toSubscriptionResponse(sub *core.Subscription) subscriptionResponse {
	return subscriptionResponse{
		StudentID:       sub.StudentID,
		Plan:            sub.Plan,
		Active:          sub.Active,
		Blocked:         sub.Blocked,
		StartedAt:       sub.StartedAt,
		EndsAt:          sub.EndsAt,
		CharactersUsed:  sub.CharactersUsed,
		CharactersLimit: sub.CharactersLimit,
	}
}

func toUpgradeResponse(req *core.UpgradeRequest) upgradeResponse {
	return upgradeResponse{
		ID:              req.ID,
		StudentID:       req.StudentID,
		Status:          req.Status,
		RequestedAt:     req.RequestedAt,
		ProcessedAt:     req.ProcessedAt,
		RejectionReason: req.RejectionReason,
	}
}

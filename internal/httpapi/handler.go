package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/gallery"
	"github.com/forest6511/keystone/pkg/grid"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/recovery"
	"github.com/forest6511/keystone/pkg/security"
)

// maxBodySize bounds request bodies (64KB).
const maxBodySize = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

type factorRequest struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Weight int    `json:"weight,omitempty"`
}

type enrollRequest struct {
	UserID         string          `json:"user_id"`
	Threshold      int             `json:"threshold,omitempty"`
	Required       []string        `json:"required,omitempty"`
	Factors        []factorRequest `json:"factors"`
	GeneratePhrase bool            `json:"generate_phrase,omitempty"`
}

type enrollResponse struct {
	UserID    string `json:"user_id"`
	Threshold int    `json:"threshold"`
	KeySlots  int    `json:"key_slots"`
	MasterKey string `json:"master_key"`
	// Phrase is returned once, when the server generated it.
	Phrase   string   `json:"phrase,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type galleryResponse struct {
	Version int             `json:"version"`
	Images  []gallery.Image `json:"images"`
}

type startRecoveryRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	State     recovery.State `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Grid      []grid.Tile    `json:"grid,omitempty"`
	Questions []factor.Kind  `json:"questions,omitempty"`
	Phrase    bool           `json:"phrase"`
	Current   int            `json:"current_weight"`
	Remaining int            `json:"remaining_weight"`
}

type imageRequest struct {
	Position *int `json:"position"`
}

type answerRequest struct {
	Kind   string `json:"kind"`
	Answer string `json:"answer"`
}

type phraseRequest struct {
	Phrase string `json:"phrase"`
}

type outcomeResponse struct {
	*recovery.Outcome
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	MasterKey         string `json:"master_key,omitempty"`
}

func (srv *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	g := srv.reg.Gallery()
	writeJSON(w, http.StatusOK, galleryResponse{Version: g.Version(), Images: g.All()})
}

func (srv *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	inputs, phrase, err := srv.enrollInputs(&req)
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = srv.cfg.Defaults.Threshold
	}
	required := srv.cfg.Defaults.Required
	if req.Required != nil {
		required = nil
		for _, name := range req.Required {
			k, err := factor.ParseKind(name)
			if err != nil {
				srv.writeAPIError(w, err)
				return
			}
			required = append(required, k)
		}
	}

	e, err := srv.reg.Enroll(r.Context(), req.UserID, inputs, threshold, keystone.WithRequired(required...))
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	defer crypto.SecureWipe(e.MasterKey)

	var warnings []string
	answers := make(map[factor.Kind]string)
	for _, in := range inputs {
		if in.Kind.IsQuestion() {
			answers[in.Kind] = in.Value
		}
	}
	if issues, err := security.ReviewAnswers(answers); err == nil {
		for _, issue := range issues {
			warnings = append(warnings, issue.Message)
		}
	}

	writeJSON(w, http.StatusCreated, enrollResponse{
		UserID:    e.Record.UserID,
		Threshold: e.Record.Threshold,
		KeySlots:  len(e.Record.KeySlots),
		MasterKey: base64.StdEncoding.EncodeToString(e.MasterKey),
		Phrase:    phrase,
		Warnings:  warnings,
	})
}

// enrollInputs converts request factors, applying default weights and
// generating a phrase on request.
func (srv *Server) enrollInputs(req *enrollRequest) ([]keystone.FactorInput, string, error) {
	inputs := make([]keystone.FactorInput, 0, len(req.Factors)+1)
	hasPhrase := false
	for _, f := range req.Factors {
		k, err := factor.ParseKind(f.Kind)
		if err != nil {
			return nil, "", err
		}
		w := f.Weight
		if w == 0 && k != factor.Phrase {
			w = srv.cfg.Defaults.Weights[k]
		}
		if k == factor.Phrase {
			hasPhrase = true
		}
		inputs = append(inputs, keystone.FactorInput{Kind: k, Value: f.Value, Weight: w})
	}

	if !req.GeneratePhrase {
		return inputs, "", nil
	}
	if hasPhrase {
		return nil, "", fmt.Errorf("%w: phrase supplied and generate_phrase set", keystone.ErrInvalidInput)
	}
	phrase, err := factor.GeneratePhrase()
	if err != nil {
		return nil, "", err
	}
	return append(inputs, keystone.FactorInput{Kind: factor.Phrase, Value: phrase}), phrase, nil
}

func (srv *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := srv.reg.Revoke(r.Context(), chi.URLParam(r, "user")); err != nil {
		srv.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleStartRecovery(w http.ResponseWriter, r *http.Request) {
	var req startRecoveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s, err := srv.mgr.Start(r.Context(), req.UserID)
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionView(s))
}

func (srv *Server) handleGetRecovery(w http.ResponseWriter, r *http.Request) {
	s, err := srv.mgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(s))
}

func sessionView(s *recovery.Session) sessionResponse {
	current, remaining := s.Progress()
	resp := sessionResponse{
		SessionID: s.ID(),
		State:     s.State(),
		CreatedAt: s.CreatedAt(),
		ExpiresAt: s.ExpiresAt(),
		Questions: s.Questions(),
		Phrase:    s.HasPhrase(),
		Current:   current,
		Remaining: remaining,
	}
	if g, ok := s.Grid(); ok {
		resp.Grid = g[:]
	}
	return resp
}

func (srv *Server) handleSubmitImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, "position is required")
		return
	}
	out, err := srv.mgr.SubmitImage(r.Context(), chi.URLParam(r, "id"), *req.Position)
	srv.writeOutcome(w, out, err)
}

func (srv *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := factor.ParseKind(req.Kind)
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	out, err := srv.mgr.SubmitAnswer(r.Context(), chi.URLParam(r, "id"), kind, req.Answer)
	srv.writeOutcome(w, out, err)
}

func (srv *Server) handleSubmitPhrase(w http.ResponseWriter, r *http.Request) {
	var req phraseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	out, err := srv.mgr.SubmitPhrase(r.Context(), chi.URLParam(r, "id"), req.Phrase)
	srv.writeOutcome(w, out, err)
}

func (srv *Server) handleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	if err := srv.mgr.Cancel(chi.URLParam(r, "id")); err != nil {
		srv.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) writeOutcome(w http.ResponseWriter, out *recovery.Outcome, err error) {
	if err != nil {
		srv.writeAPIError(w, err)
		return
	}
	resp := outcomeResponse{Outcome: out}
	if out.RetryAfter > 0 {
		resp.RetryAfterSeconds = retrySeconds(out.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	if out.MasterKey != nil {
		resp.MasterKey = base64.StdEncoding.EncodeToString(out.MasterKey)
		defer crypto.SecureWipe(out.MasterKey)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeAPIError maps domain errors to status codes. Internal failures are
// logged and reported generically.
func (srv *Server) writeAPIError(w http.ResponseWriter, err error) {
	var lerr *keystone.LockoutError
	switch {
	case errors.As(err, &lerr):
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(lerr.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, "temporarily locked")
	case errors.Is(err, keystone.ErrInvalidInput),
		errors.Is(err, factor.ErrUnknownKind),
		errors.Is(err, keystone.ErrFactorNotEnrolled),
		errors.Is(err, recovery.ErrNotAQuestion),
		errors.Is(err, recovery.ErrNoImage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, keystone.ErrNotEnrolled),
		errors.Is(err, recovery.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, keystone.ErrDuplicateEnrollment),
		errors.Is(err, recovery.ErrImageSubmitted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, recovery.ErrSessionClosed),
		errors.Is(err, recovery.ErrSessionExpired):
		writeError(w, http.StatusGone, err.Error())
	default:
		srv.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func retrySeconds(d time.Duration) int {
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// decodeJSON reads a size-limited JSON body, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

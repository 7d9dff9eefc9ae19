package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"media-publish-pipeline/logx"
	"media-publish-pipeline/orchestrator"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: msg, Kind: kind})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(kind pipeerr.Kind) int {
	switch kind {
	case pipeerr.ConfigurationMissing:
		return http.StatusPreconditionFailed
	case pipeerr.ValidationFailed:
		return http.StatusBadRequest
	case pipeerr.StateGuardViolation:
		return http.StatusConflict
	case pipeerr.UpstreamRetryable:
		return http.StatusServiceUnavailable
	case pipeerr.UpstreamFatal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	kind := pipeerr.KindOf(err)
	msg := err.Error()
	if kind == pipeerr.Unknown {
		s.log.Error().Err(err).Msg("unclassified error")
		msg = "internal error"
	}
	writeError(w, statusFor(kind), kind.String(), msg)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return pipeerr.Wrap(pipeerr.ValidationFailed, "request", err, "invalid JSON body")
	}
	return nil
}

// withRun resolves {id} and tags the request context with it.
func (s *Server) withRun(w http.ResponseWriter, r *http.Request) (*orchestrator.Run, *http.Request, bool) {
	id := chi.URLParam(r, "id")
	run, ok := s.lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return nil, r, false
	}
	return run, r.WithContext(logx.WithRun(r.Context(), run.ID)), true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.runs)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"runs":        n,
		"credentials": s.orch.Readiness(r.Context()),
	})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.NewRun()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, s.orch.Snapshot(run))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.withRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot(run))
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.withRun(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.runs, run.ID)
	s.mu.Unlock()
	s.orch.Close(run)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetRun(w http.ResponseWriter, r *http.Request) {
	run, _, ok := s.withRun(w, r)
	if !ok {
		return
	}
	if err := s.orch.Reset(run); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot(run))
}

func (s *Server) putAsset(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	kind := types.AssetKind(chi.URLParam(r, "kind"))
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, pipeerr.ValidationFailed.String(), "the name query parameter is required")
		return
	}

	limit := s.maxAssetBytes
	if limit <= 0 {
		limit = 200 << 20
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, pipeerr.ValidationFailed.String(), "file is larger than the upload limit")
			return
		}
		s.fail(w, pipeerr.Wrap(pipeerr.ValidationFailed, "upload", err, "could not read upload"))
		return
	}

	asset, err := s.orch.AddAsset(r.Context(), run, kind, name, data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) putEffect(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	var sel types.EffectSelection
	if err := decode(r, &sel); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.SetEffect(run, sel); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot(run))
}

type stepRequest struct {
	Step string `json:"step"`
}

func (s *Server) goTo(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	var req stepRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	step, err := types.ParseStep(req.Step)
	if err != nil {
		s.fail(w, pipeerr.Wrap(pipeerr.ValidationFailed, "step", err, ""))
		return
	}
	if err := s.orch.GoTo(r.Context(), run, step); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot(run))
}

func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	art, err := s.orch.Render(r.Context(), run)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}

func (s *Server) describe(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	var seed types.Seed
	if err := decode(r, &seed); err != nil {
		s.fail(w, err)
		return
	}
	md, err := s.orch.Describe(r.Context(), run, seed)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) putMetadata(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	var md types.Metadata
	if err := decode(r, &md); err != nil {
		s.fail(w, err)
		return
	}
	md, err := s.orch.SetMetadata(run, md)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

type publishRequest struct {
	Visibility string `json:"visibility"`
	Again      bool   `json:"again"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	run, r, ok := s.withRun(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	res, err := s.orch.Publish(r.Context(), run, orchestrator.PublishOptions{
		Visibility: types.Visibility(req.Visibility),
		Again:      req.Again,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type credentialRequest struct {
	Value string `json:"value"`
}

func (s *Server) supplyCredential(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req credentialRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.orch.Resolver().Supply(name, req.Value); err != nil {
		s.fail(w, pipeerr.Wrap(pipeerr.ValidationFailed, "credentials", err, "rejected "+name))
		return
	}
	logx.FromCtx(r.Context()).Info().Str("credential", name).Msg("credential supplied; it now applies to every run in this process")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forgetCredential(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.orch.Resolver().Forget(name)
	w.WriteHeader(http.StatusNoContent)
}

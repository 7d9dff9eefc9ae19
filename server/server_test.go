package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"media-publish-pipeline/02_render"
	"media-publish-pipeline/04_publish"
	"media-publish-pipeline/config"
	"media-publish-pipeline/credentials"
	"media-publish-pipeline/orchestrator"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/types"
)

type stubRenderer struct{ calls int32 }

func (s *stubRenderer) Render(ctx context.Context, req render.Request) (types.VideoArtifact, error) {
	atomic.AddInt32(&s.calls, 1)
	return types.VideoArtifact{ID: "V1", LocationRef: "/videos/V1.mp4", SourceFingerprint: req.Fingerprint, Backend: "stub"}, nil
}

type stubPublisher struct{ calls int32 }

func (s *stubPublisher) Publish(ctx context.Context, req publish.Request, cred credentials.Credential) (types.PublishResult, error) {
	atomic.AddInt32(&s.calls, 1)
	return types.PublishResult{ExternalID: "yt-1", ExternalURL: publish.WatchURL("yt-1"), Fingerprint: req.Artifact.SourceFingerprint}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubRenderer, *stubPublisher) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Work = filepath.Join(t.TempDir(), "work")

	rend, pub := &stubRenderer{}, &stubPublisher{}
	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Resolver: credentials.NewResolver(credentials.Options{
			Env: credentials.EnvSource{Getenv: func(string) string { return "" }},
		}),
		Renderer:  rend,
		Publisher: pub,
	})
	s := New(cfg, orch, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.closeAll()
	})
	return srv, rend, pub
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func expect(t *testing.T, resp *http.Response, body []byte, status int) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("%s %s: status = %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, status, body)
	}
}

func errorKind(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Kind
}

func createRun(t *testing.T, base string) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/runs", nil)
	expect(t, resp, body, http.StatusCreated)
	var st types.RunState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.RunID == "" || st.Step != "upload" || st.Effect.Effect != types.EffectGlitch {
		t.Fatalf("new run = %+v", st)
	}
	return st.RunID
}

func TestFullFlowOverHTTP(t *testing.T) {
	t.Parallel()
	srv, rend, pub := newTestServer(t)
	run := srv.URL + "/runs/" + createRun(t, srv.URL)

	resp, body := do(t, http.MethodPut, run+"/assets/image?name=cover.png", []byte("\x89PNG\r\n\x1a\nimage"))
	expect(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPut, run+"/assets/audio?name=track.mp3", []byte("ID3\x03\x00audio"))
	expect(t, resp, body, http.StatusOK)

	resp, body = do(t, http.MethodPut, run+"/effect", map[string]any{"effect": "fade"})
	expect(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPost, run+"/step", map[string]string{"step": "render"})
	expect(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPost, run+"/render", nil)
	expect(t, resp, body, http.StatusOK)
	if got := atomic.LoadInt32(&rend.calls); got != 1 {
		t.Fatalf("renderer calls = %d, want 1", got)
	}

	resp, body = do(t, http.MethodPost, run+"/step", map[string]string{"step": "describe"})
	expect(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPost, run+"/describe", types.Seed{Title: "My Clip"})
	expect(t, resp, body, http.StatusOK)
	var md types.Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		t.Fatal(err)
	}
	if md.Title != "SEO-Optimized: My Clip" || md.Tags != "video, content, youtube" {
		t.Fatalf("metadata = %+v", md)
	}

	resp, body = do(t, http.MethodPost, run+"/step", map[string]string{"step": "publish"})
	expect(t, resp, body, http.StatusOK)
	resp, body = do(t, http.MethodPost, run+"/publish", map[string]string{"visibility": "private"})
	expect(t, resp, body, http.StatusPreconditionFailed)
	if kind := errorKind(t, body); kind != pipeerr.ConfigurationMissing.String() {
		t.Fatalf("kind = %q", kind)
	}

	resp, body = do(t, http.MethodPut, srv.URL+"/credentials/youtube_token", map[string]string{"value": "ya29.token"})
	expect(t, resp, body, http.StatusNoContent)
	resp, body = do(t, http.MethodPost, run+"/publish", map[string]string{"visibility": "private"})
	expect(t, resp, body, http.StatusOK)
	var res types.PublishResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.ExternalID != "yt-1" {
		t.Fatalf("publish result = %+v", res)
	}

	resp, body = do(t, http.MethodPost, run+"/publish", nil)
	expect(t, resp, body, http.StatusConflict)
	if got := atomic.LoadInt32(&pub.calls); got != 1 {
		t.Fatalf("publisher calls = %d, want 1", got)
	}

	resp, body = do(t, http.MethodGet, run, nil)
	expect(t, resp, body, http.StatusOK)
	var st types.RunState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.Step != "publish" || st.Artifact == nil || len(st.Published) != 1 {
		t.Fatalf("final state = %+v", st)
	}
}

func TestSkippingStepIsConflict(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	run := srv.URL + "/runs/" + createRun(t, srv.URL)

	resp, body := do(t, http.MethodPost, run+"/step", map[string]string{"step": "publish"})
	expect(t, resp, body, http.StatusConflict)
	if kind := errorKind(t, body); kind != pipeerr.StateGuardViolation.String() {
		t.Fatalf("kind = %q", kind)
	}

	resp, body = do(t, http.MethodGet, run, nil)
	expect(t, resp, body, http.StatusOK)
	var st types.RunState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.Step != "upload" {
		t.Fatalf("step = %q after rejected transition", st.Step)
	}
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	run := srv.URL + "/runs/" + createRun(t, srv.URL)

	cases := []struct {
		name   string
		method string
		url    string
		body   any
		status int
	}{
		{"unknown_run", http.MethodGet, srv.URL + "/runs/nope", nil, http.StatusNotFound},
		{"asset_without_name", http.MethodPut, run + "/assets/image", []byte("x"), http.StatusBadRequest},
		{"unsupported_asset", http.MethodPut, run + "/assets/image?name=doc.pdf", []byte("%PDF-1.4"), http.StatusBadRequest},
		{"unknown_effect", http.MethodPut, run + "/effect", map[string]string{"effect": "sparkle"}, http.StatusBadRequest},
		{"unknown_step", http.MethodPost, run + "/step", map[string]string{"step": "dance"}, http.StatusBadRequest},
		{"bad_json", http.MethodPost, run + "/step", []byte("{"), http.StatusBadRequest},
		{"invalid_ai_key", http.MethodPut, srv.URL + "/credentials/openai_api_key", map[string]string{"value": "not-a-key"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, body := do(t, tc.method, tc.url, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status = %d, want %d (body %s)", tc.name, resp.StatusCode, tc.status, body)
		}
	}
}

func TestDeleteRun(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	run := srv.URL + "/runs/" + createRun(t, srv.URL)

	resp, body := do(t, http.MethodDelete, run, nil)
	expect(t, resp, body, http.StatusNoContent)
	resp, body = do(t, http.MethodGet, run, nil)
	expect(t, resp, body, http.StatusNotFound)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	expect(t, resp, body, http.StatusOK)

	var out struct {
		Status      string            `json:"status"`
		Credentials map[string]string `json:"credentials"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Credentials["youtube_token"] != "" {
		t.Fatalf("healthz = %+v", out)
	}
	if _, ok := out.Credentials["openai_api_key"]; !ok {
		t.Fatalf("healthz does not report openai_api_key: %s", body)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := map[pipeerr.Kind]int{
		pipeerr.ConfigurationMissing: http.StatusPreconditionFailed,
		pipeerr.ValidationFailed:     http.StatusBadRequest,
		pipeerr.StateGuardViolation:  http.StatusConflict,
		pipeerr.UpstreamRetryable:    http.StatusServiceUnavailable,
		pipeerr.UpstreamFatal:        http.StatusBadGateway,
		pipeerr.Unknown:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

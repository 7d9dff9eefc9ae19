package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"media-publish-pipeline/config"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/retry"
	"media-publish-pipeline/types"
)

// Remote hands the assets to a video-processing service and records the URL it returns
type Remote struct {
	endpoint   string
	defaults   map[string]string
	httpClient *http.Client
	perAttempt time.Duration
	policy     retry.Policy
}

// NewRemote creates a remote renderer. client may be nil.
func NewRemote(cfg config.RenderConfig, client *http.Client) *Remote {
	if client == nil {
		// per-request deadlines come from the orchestrator's context
		client = &http.Client{}
	}
	return &Remote{
		endpoint:   strings.TrimSpace(cfg.Endpoint),
		defaults:   cfg.DefaultParams,
		httpClient: client,
		perAttempt: cfg.AttemptTimeout,
		policy:     policyFrom(cfg.Retry),
	}
}

type remoteResponse struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Render uploads both assets and waits for the service to answer with the video location
func (r *Remote) Render(ctx context.Context, req Request) (types.VideoArtifact, error) {
	if r.endpoint == "" {
		return types.VideoArtifact{}, pipeerr.New(pipeerr.ConfigurationMissing, "render", "render.endpoint is not configured for the remote backend")
	}
	if _, err := types.ParseEffect(string(req.Effect)); err != nil {
		return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.ValidationFailed, "render", err, "")
	}
	image, err := os.ReadFile(req.Image.Path)
	if err != nil {
		return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.ValidationFailed, "render", err, "image asset is not available")
	}
	audio, err := os.ReadFile(req.Audio.Path)
	if err != nil {
		return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.ValidationFailed, "render", err, "audio asset is not available")
	}

	l := logx.FromCtx(ctx)
	l.Info().Str("effect", string(req.Effect)).Str("endpoint", r.endpoint).Msg("sending assets to render service")

	return retry.Do(ctx, r.policy, "remote.render", func(ctx context.Context) (types.VideoArtifact, error) {
		actx, cancel := attempt(ctx, r.perAttempt)
		defer cancel()
		out, err := r.once(actx, req, image, audio)
		if err != nil {
			return types.VideoArtifact{}, err
		}
		l.Info().Str("url", out.URL).Msg("✅ video ready")
		id := out.ID
		if id == "" {
			id = newArtifactID()
		}
		return types.VideoArtifact{
			ID:                id,
			LocationRef:       out.URL,
			SourceFingerprint: req.Fingerprint,
			Backend:           "remote",
		}, nil
	})
}

func (r *Remote) once(ctx context.Context, req Request, image, audio []byte) (*remoteResponse, error) {
	const op = "remote.render"

	body, contentType, err := encodeMultipart(req, mergeParams(r.defaults, req.Params), image, audio)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, body)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "build request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, pipeerr.Newf(pipeerr.UpstreamRetryable, op, "render service returned %d: %s", resp.StatusCode, snippet(respBytes))
	case resp.StatusCode >= 300:
		return nil, pipeerr.Newf(pipeerr.UpstreamFatal, op, "render service returned %d: %s", resp.StatusCode, snippet(respBytes))
	}

	var out remoteResponse
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return nil, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "parse render response")
	}
	if out.Error != "" {
		return nil, pipeerr.Newf(pipeerr.UpstreamFatal, op, "render service: %s", out.Error)
	}
	if out.URL == "" {
		return nil, pipeerr.New(pipeerr.UpstreamFatal, op, "render service returned no video url")
	}
	return &out, nil
}

func encodeMultipart(req Request, params map[string]string, image, audio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	files := []struct {
		field string
		asset types.MediaAsset
		data  []byte
	}{
		{"image", req.Image, image},
		{"audio", req.Audio, audio},
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.asset.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, "", err
		}
	}

	fields := map[string]string{
		"effect":      string(req.Effect),
		"fingerprint": req.Fingerprint,
		"image_hash":  req.Image.ContentHash,
		"audio_hash":  req.Audio.ContentHash,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, k := range sortedParams(params) {
		if err := mw.WriteField("param."+k, params[k]); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// classifyTransport decides whether a failed round trip is worth repeating.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "request cancelled")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "render service timed out")
	}
	return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "render service unreachable")
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return fmt.Sprintf("%q", s)
}

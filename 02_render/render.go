package render

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"media-publish-pipeline/config"
	"media-publish-pipeline/retry"
	"media-publish-pipeline/types"
)

// Request is everything a backend needs to produce one video
type Request struct {
	Image       types.MediaAsset
	Audio       types.MediaAsset
	Effect      types.Effect
	Params      map[string]string
	Fingerprint string
}

// Renderer turns an image + audio pair into a VideoArtifact.
// Errors are *pipeerr.Error: ValidationFailed for bad input, UpstreamFatal otherwise
// (retryable failures are retried inside the adapter).
type Renderer interface {
	Render(ctx context.Context, req Request) (types.VideoArtifact, error)
}

// New picks the backend named in cfg.Backend
func New(cfg config.RenderConfig, outputDir string) Renderer {
	if strings.EqualFold(cfg.Backend, "remote") {
		return NewRemote(cfg, nil)
	}
	return NewFFmpeg(cfg, outputDir)
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		MaxDelay:    rc.MaxDelay,
		Limiter:     retry.NewLimiter(rc.RatePerSec, rc.Burst),
	}
}

// attempt derives the context for one backend call. An attempt that runs into
// its own deadline while parent is still live is retryable.
func attempt(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newArtifactID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func sortedParams(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

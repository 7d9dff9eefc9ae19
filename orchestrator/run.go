package orchestrator

import (
	"context"
	"sync"
	"time"

	"media-publish-pipeline/01_ingest"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/taskcache"
	"media-publish-pipeline/types"
)

// Run is one session's pipeline. It owns its assets, render cache and
// metadata; nothing about a run is shared with another run.
type Run struct {
	ID        string
	StartedAt time.Time

	mu         sync.Mutex
	gen        uint64 // bumped by every Reset
	ctx        context.Context
	cancel     context.CancelFunc
	store      *ingest.Store
	renders    *taskcache.Cache[types.VideoArtifact]
	step       types.Step
	assets     map[types.AssetKind]types.MediaAsset
	effect     types.EffectSelection
	metadata   *types.Metadata
	published  map[string]types.PublishResult
	publishing bool
	lastErr    string
	updatedAt  time.Time
	closed     bool
}

// Step reports the run's current step.
func (r *Run) Step() types.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// currentLocked reports whether the run is open and still in generation gen.
// Work started before a Reset must not write into the fresh run.
func (r *Run) currentLocked(gen uint64) bool {
	return !r.closed && r.gen == gen
}

func (r *Run) usableLocked() error {
	if r.closed {
		return pipeerr.New(pipeerr.StateGuardViolation, "run", "run has been closed; start a new run")
	}
	return nil
}

// fingerprintLocked is empty until both assets are present.
func (r *Run) fingerprintLocked() string {
	img, okI := r.assets[types.Image]
	aud, okA := r.assets[types.Audio]
	if !okI || !okA {
		return ""
	}
	return Fingerprint(img.ContentHash, aud.ContentHash, r.effect)
}

// currentArtifactLocked is the stored render for the current inputs. Renders
// for earlier inputs stay in the cache but are not current.
func (r *Run) currentArtifactLocked() (types.VideoArtifact, bool) {
	fp := r.fingerprintLocked()
	if fp == "" {
		return types.VideoArtifact{}, false
	}
	return r.renders.Peek(fp)
}

func (r *Run) touchLocked() {
	r.updatedAt = time.Now().UTC()
}

// recordErr keeps err as the run's last error unless the run moved on to a
// new generation in the meantime.
func (r *Run) recordErr(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	if err != nil {
		r.lastErr = err.Error()
	} else {
		r.lastErr = ""
	}
	r.touchLocked()
}

func copyParams(p map[string]string) map[string]string {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

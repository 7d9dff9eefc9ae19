// Package orchestrator is the step state machine over Upload, Render, Describe
// and Publish. It checks each transition's prerequisites, resolves the
// credentials an adapter needs, and records what each step produced.
//
// The run's mutex is never held across an adapter call: inputs are copied out,
// the adapter runs, and the result is committed only if the inputs are still
// current.
package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"media-publish-pipeline/01_ingest"
	"media-publish-pipeline/02_render"
	"media-publish-pipeline/03_metadata"
	"media-publish-pipeline/04_publish"
	"media-publish-pipeline/config"
	"media-publish-pipeline/credentials"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/taskcache"
	"media-publish-pipeline/types"
)

// Options wires the process-wide services shared by every run.
type Options struct {
	Config    *config.Config
	Resolver  *credentials.Resolver
	Renderer  render.Renderer
	Generator metadata.Generator
	Publisher publish.Publisher
}

// Orchestrator drives runs. It holds no per-run state.
type Orchestrator struct {
	cfg       *config.Config
	resolver  *credentials.Resolver
	renderer  render.Renderer
	generator metadata.Generator
	publisher publish.Publisher
}

// PublishOptions are the user's choices for one publish action
type PublishOptions struct {
	Visibility types.Visibility
	// Again allows uploading a video whose fingerprint was already published.
	Again bool
}

// New creates an orchestrator. A nil Config means config.Default().
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = credentials.NewResolver(credentials.Options{})
	}
	return &Orchestrator{
		cfg:       cfg,
		resolver:  resolver,
		renderer:  opts.Renderer,
		generator: opts.Generator,
		publisher: opts.Publisher,
	}
}

// Resolver exposes the credential chain so callers can supply interactive values.
func (o *Orchestrator) Resolver() *credentials.Resolver { return o.resolver }

// NewRun starts a run at the Upload step
func (o *Orchestrator) NewRun() (*Run, error) {
	r := &Run{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	if err := o.initRun(r); err != nil {
		return nil, err
	}
	logx.FromCtx(r.ctx).Info().Str("work", r.store.Dir()).Msg("🎬 run started")
	return r, nil
}

func (o *Orchestrator) initRun(r *Run) error {
	store, err := ingest.NewStore(filepath.Join(o.cfg.Paths.Work, r.ID), o.cfg.Assets.MaxBytes)
	if err != nil {
		return pipeerr.Wrap(pipeerr.ConfigurationMissing, "run", err, "work directory is not writable")
	}
	ctx, cancel := context.WithCancel(logx.WithRun(context.Background(), r.ID))
	r.gen++
	r.ctx = ctx
	r.cancel = cancel
	r.store = store
	r.renders = taskcache.New[types.VideoArtifact](ctx, r.ID)
	r.step = types.StepUpload
	r.assets = make(map[types.AssetKind]types.MediaAsset)
	r.effect = types.EffectSelection{Effect: types.DefaultEffect}
	r.metadata = nil
	r.published = make(map[string]types.PublishResult)
	r.publishing = false
	r.lastErr = ""
	r.touchLocked()
	return nil
}

func (o *Orchestrator) releaseLocked(r *Run) {
	r.cancel()
	r.renders.Close()
	if err := r.store.Destroy(); err != nil {
		logx.FromCtx(r.ctx).Warn().Err(err).Msg("could not remove run assets")
	}
}

// Reset discards the run's assets, renders and metadata and returns it to
// Upload. In-flight renders are cancelled.
func (o *Orchestrator) Reset(r *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usableLocked(); err != nil {
		return err
	}
	o.releaseLocked(r)
	if err := o.initRun(r); err != nil {
		r.closed = true
		return err
	}
	logx.FromCtx(r.ctx).Info().Msg("run reset")
	return nil
}

// Close releases the run for good (sign-out).
func (o *Orchestrator) Close(r *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	o.releaseLocked(r)
	r.closed = true
	logx.FromCtx(r.ctx).Info().Msg("run closed")
}

// AddAsset validates and stores an uploaded file. Assets can only change
// while the run is at the Upload step.
func (o *Orchestrator) AddAsset(ctx context.Context, r *Run, kind types.AssetKind, filename string, data []byte) (types.MediaAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usableLocked(); err != nil {
		return types.MediaAsset{}, err
	}
	if r.step != types.StepUpload {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.StateGuardViolation, "upload",
			"assets can only be changed at the upload step (run is at %s)", r.step)
	}

	asset, err := r.store.Put(kind, filename, data)
	if err != nil {
		r.lastErr = err.Error()
		return types.MediaAsset{}, err
	}
	r.assets[kind] = asset
	r.lastErr = ""
	r.touchLocked()

	logx.FromCtx(logx.WithStage(r.ctx, "upload")).Info().
		Str("kind", string(kind)).Str("name", asset.Name).Str("hash", asset.ContentHash[:12]).
		Msg("asset stored")
	return asset, nil
}

// SetEffect changes the effect selection. Allowed until a render is committed
// and the run moves past Render.
func (o *Orchestrator) SetEffect(r *Run, sel types.EffectSelection) error {
	effect, err := types.ParseEffect(string(sel.Effect))
	if err != nil {
		return pipeerr.Wrap(pipeerr.ValidationFailed, "effect", err, "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usableLocked(); err != nil {
		return err
	}
	if r.step != types.StepUpload && r.step != types.StepRender {
		return pipeerr.Newf(pipeerr.StateGuardViolation, "effect",
			"the effect can only be changed at the upload or render step (run is at %s)", r.step)
	}
	r.effect = types.EffectSelection{Effect: effect, Params: copyParams(sel.Params)}
	r.touchLocked()
	return nil
}

// GoTo moves the run to target. Going back is always allowed and keeps every
// artifact. Going forward is one step at a time and only when the next step's
// prerequisites hold; entering Render from Upload performs the render.
func (o *Orchestrator) GoTo(ctx context.Context, r *Run, target types.Step) error {
	if target < types.StepUpload || target > types.StepPublish {
		return pipeerr.Newf(pipeerr.ValidationFailed, "step", "unknown step %d", int(target))
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	current := r.step
	if target <= current {
		r.step = target
		r.touchLocked()
		r.mu.Unlock()
		return nil
	}
	if target != current+1 {
		r.mu.Unlock()
		return pipeerr.Newf(pipeerr.StateGuardViolation, "step", "cannot skip from %s to %s", current, target)
	}

	switch target {
	case types.StepRender:
		r.mu.Unlock()
		_, err := o.Render(ctx, r)
		return err
	case types.StepDescribe:
		if _, ok := r.currentArtifactLocked(); !ok {
			r.mu.Unlock()
			return pipeerr.New(pipeerr.StateGuardViolation, "step", "render the video before describing it")
		}
	case types.StepPublish:
		if r.metadata == nil {
			r.mu.Unlock()
			return pipeerr.New(pipeerr.StateGuardViolation, "step", "generate or enter metadata before publishing")
		}
		if _, ok := r.currentArtifactLocked(); !ok {
			r.mu.Unlock()
			return pipeerr.New(pipeerr.StateGuardViolation, "step", "render the video before publishing")
		}
	}
	r.step = target
	r.touchLocked()
	r.mu.Unlock()
	return nil
}

// Render produces the video for the current inputs, reusing a stored render
// for the same fingerprint. On success the run is at the Render step.
//
// If the caller gives up while the render is in flight, the render keeps going
// under the run's context and its result is stored for the next call.
func (o *Orchestrator) Render(ctx context.Context, r *Run) (types.VideoArtifact, error) {
	const op = "render"

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return types.VideoArtifact{}, err
	}
	if r.step != types.StepUpload && r.step != types.StepRender {
		step := r.step
		r.mu.Unlock()
		return types.VideoArtifact{}, pipeerr.Newf(pipeerr.StateGuardViolation, op,
			"go back to the render step to render again (run is at %s)", step)
	}
	img, okI := r.assets[types.Image]
	aud, okA := r.assets[types.Audio]
	if !okI || !okA {
		r.mu.Unlock()
		return types.VideoArtifact{}, pipeerr.New(pipeerr.StateGuardViolation, op, "upload both an image and an audio file first")
	}
	sel := types.EffectSelection{Effect: r.effect.Effect, Params: copyParams(r.effect.Params)}
	fp := Fingerprint(img.ContentHash, aud.ContentHash, sel)
	renders, gen := r.renders, r.gen
	r.mu.Unlock()

	l := logx.FromCtx(logx.WithStage(logx.WithRun(ctx, r.ID), op))
	l.Info().Str("effect", string(sel.Effect)).Str("fingerprint", fp[:16]).Msg("━━━ STAGE 2: Render ━━━")

	art, hit, err := renders.GetOrCompute(ctx, fp, func(cctx context.Context) (types.VideoArtifact, error) {
		cctx, cancel := withTimeout(logx.WithStage(cctx, op), o.cfg.Render.Timeout)
		defer cancel()
		if o.renderer == nil {
			return types.VideoArtifact{}, pipeerr.New(pipeerr.ConfigurationMissing, op, "no renderer configured")
		}
		return o.renderer.Render(cctx, render.Request{
			Image:       img,
			Audio:       aud,
			Effect:      sel.Effect,
			Params:      sel.Params,
			Fingerprint: fp,
		})
	})
	if err != nil {
		r.mu.Lock()
		current := r.currentLocked(gen)
		r.mu.Unlock()
		if !current {
			return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.StateGuardViolation, op, err, "run was reset while rendering")
		}
		err = renderFailure(err)
		r.recordErr(gen, err)
		l.Error().Err(err).Msg("render failed")
		return types.VideoArtifact{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.currentLocked(gen) {
		return types.VideoArtifact{}, pipeerr.New(pipeerr.StateGuardViolation, op, "run was reset while rendering")
	}
	if r.fingerprintLocked() != fp {
		return types.VideoArtifact{}, pipeerr.New(pipeerr.StateGuardViolation, op, "inputs changed while rendering; render again")
	}
	if r.step == types.StepUpload {
		r.step = types.StepRender
	}
	r.lastErr = ""
	r.touchLocked()

	if hit {
		l.Info().Str("artifact", art.ID).Msg("reusing stored render")
	} else {
		l.Info().Str("artifact", art.ID).Str("location", art.LocationRef).Msg("✅ render complete")
	}
	return art, nil
}

func renderFailure(err error) error {
	switch {
	case errors.Is(err, taskcache.ErrClosed):
		return pipeerr.Wrap(pipeerr.StateGuardViolation, "render", err, "run was reset while rendering")
	case pipeerr.KindOf(err) == pipeerr.Unknown &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return pipeerr.Wrap(pipeerr.UpstreamRetryable, "render", err,
			"stopped waiting for the render; it continues in the background and the next render call picks it up")
	}
	return adapterFailure("render", err)
}

// adapterFailure maps whatever an adapter returned onto the taxonomy. A
// retryable failure that reached us has already used up its attempts.
func adapterFailure(op string, err error) error {
	switch pipeerr.KindOf(err) {
	case pipeerr.Unknown:
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "")
	case pipeerr.UpstreamRetryable:
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "retries exhausted")
	}
	return err
}

// Describe produces metadata from the seed text. It always calls the
// generator again; with no text-generation key it falls back to the offline
// template.
func (o *Orchestrator) Describe(ctx context.Context, r *Run, seed types.Seed) (types.Metadata, error) {
	const op = "describe"

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return types.Metadata{}, err
	}
	if r.step != types.StepDescribe {
		step := r.step
		r.mu.Unlock()
		return types.Metadata{}, pipeerr.Newf(pipeerr.StateGuardViolation, op, "go to the describe step first (run is at %s)", step)
	}
	gen := r.gen
	r.mu.Unlock()

	if err := metadata.ValidateSeed(seed); err != nil {
		r.recordErr(gen, err)
		return types.Metadata{}, err
	}

	ctx = logx.WithStage(logx.WithRun(ctx, r.ID), op)
	l := logx.FromCtx(ctx)
	l.Info().Msg("━━━ STAGE 3: Metadata ━━━")

	var md types.Metadata
	cred, ok := o.resolver.Resolve(ctx, credentials.TextGenerationKey)
	if !ok || o.generator == nil {
		l.Warn().Msg("⚠️  no text-generation key; using the offline metadata template")
		md = metadata.Fallback(seed)
	} else {
		gctx, cancel := withTimeout(ctx, o.cfg.Metadata.Timeout)
		var err error
		md, err = o.generator.Generate(gctx, seed, cred)
		cancel()
		if err != nil {
			err = adapterFailure(op, err)
			r.recordErr(gen, err)
			l.Error().Err(err).Msg("metadata generation failed")
			return types.Metadata{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usableLocked(); err != nil {
		return types.Metadata{}, err
	}
	if r.gen != gen {
		return types.Metadata{}, pipeerr.New(pipeerr.StateGuardViolation, op, "run was reset while generating metadata")
	}
	r.metadata = &md
	r.lastErr = ""
	r.touchLocked()
	return md, nil
}

// SetMetadata stores user-edited metadata, replacing whatever was generated.
func (o *Orchestrator) SetMetadata(r *Run, md types.Metadata) (types.Metadata, error) {
	md.Title = strings.TrimSpace(md.Title)
	if md.Title == "" {
		return types.Metadata{}, pipeerr.New(pipeerr.ValidationFailed, "metadata", "title cannot be empty")
	}
	md.Source = types.MetadataSourceUser

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.usableLocked(); err != nil {
		return types.Metadata{}, err
	}
	if r.step != types.StepDescribe && r.step != types.StepPublish {
		return types.Metadata{}, pipeerr.Newf(pipeerr.StateGuardViolation, "metadata",
			"metadata can be edited at the describe or publish step (run is at %s)", r.step)
	}
	r.metadata = &md
	r.touchLocked()
	return md, nil
}

// Publish uploads the current video. A fingerprint that was already published
// is refused unless opts.Again is set, and only one publish per run can be in
// flight.
func (o *Orchestrator) Publish(ctx context.Context, r *Run, opts PublishOptions) (types.PublishResult, error) {
	const op = "publish"

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return types.PublishResult{}, err
	}
	guard := func(msg string) (types.PublishResult, error) {
		r.mu.Unlock()
		return types.PublishResult{}, pipeerr.New(pipeerr.StateGuardViolation, op, msg)
	}
	if r.step != types.StepPublish {
		return guard("go to the publish step first (run is at " + r.step.String() + ")")
	}
	if r.metadata == nil {
		return guard("generate or enter metadata before publishing")
	}
	art, ok := r.currentArtifactLocked()
	if !ok {
		return guard("render the video before publishing")
	}
	fp := art.SourceFingerprint
	if fp == "" {
		fp = r.fingerprintLocked()
	}
	if prev, done := r.published[fp]; done && !opts.Again {
		return guard("this video was already published as " + prev.ExternalURL + "; publish again explicitly to upload a duplicate")
	}
	if r.publishing {
		return guard("a publish is already in progress")
	}
	r.publishing = true
	md := *r.metadata
	gen := r.gen
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.gen == gen {
			r.publishing = false
		}
		r.mu.Unlock()
	}()

	ctx = logx.WithStage(logx.WithRun(ctx, r.ID), op)
	l := logx.FromCtx(ctx)
	l.Info().Msg("━━━ STAGE 4: Publish ━━━")

	cred, ok := o.resolver.Resolve(ctx, credentials.PublishToken)
	if !ok || o.publisher == nil {
		err := pipeerr.New(pipeerr.ConfigurationMissing, op,
			"publish token is not configured; provide "+credentials.Describe(credentials.PublishToken))
		r.recordErr(gen, err)
		return types.PublishResult{}, err
	}

	pctx, cancel := withTimeout(ctx, o.cfg.Publish.Timeout)
	defer cancel()
	res, err := o.publisher.Publish(pctx, publish.Request{Artifact: art, Metadata: md, Visibility: opts.Visibility}, cred)
	if err != nil {
		err = adapterFailure(op, err)
		r.recordErr(gen, err)
		l.Error().Err(err).Msg("publish failed")
		return types.PublishResult{}, err
	}
	if res.Fingerprint == "" {
		res.Fingerprint = fp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.currentLocked(gen) {
		l.Warn().Str("url", res.ExternalURL).Msg("run was reset during the upload; result not recorded on the new run")
		return res, nil
	}
	r.published[fp] = res
	r.lastErr = ""
	r.touchLocked()
	return res, nil
}

// Snapshot is the serializable state of the run
func (o *Orchestrator) Snapshot(r *Run) types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := types.RunState{
		RunID:       r.ID,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		UpdatedAt:   r.updatedAt.Format(time.RFC3339),
		Step:        r.step.String(),
		Assets:      make(map[types.AssetKind]types.MediaAsset, len(r.assets)),
		Effect:      types.EffectSelection{Effect: r.effect.Effect, Params: copyParams(r.effect.Params)},
		Fingerprint: r.fingerprintLocked(),
		Error:       r.lastErr,
	}
	for k, a := range r.assets {
		st.Assets[k] = a
	}
	if art, ok := r.currentArtifactLocked(); ok {
		st.Artifact = &art
	}
	if r.metadata != nil {
		md := *r.metadata
		st.Metadata = &md
	}
	if len(r.published) > 0 {
		st.Published = make(map[string]types.PublishResult, len(r.published))
		for k, v := range r.published {
			st.Published[k] = v
		}
	}
	return st
}

// Readiness reports which tier currently provides each credential, or "" when
// it is missing, so callers can disable the steps that need it.
func (o *Orchestrator) Readiness(ctx context.Context) map[string]string {
	out := make(map[string]string, 2)
	for _, name := range []string{credentials.TextGenerationKey, credentials.PublishToken} {
		if c, ok := o.resolver.Resolve(ctx, name); ok {
			out[name] = string(c.Tier)
		} else {
			out[name] = ""
		}
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

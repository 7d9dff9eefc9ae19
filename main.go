package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"media-publish-pipeline/02_render"
	"media-publish-pipeline/03_metadata"
	"media-publish-pipeline/04_publish"
	"media-publish-pipeline/config"
	"media-publish-pipeline/credentials"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/orchestrator"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/server"
	"media-publish-pipeline/types"
)

// paramFlag collects repeated -param key=value pairs.
type paramFlag map[string]string

func (p paramFlag) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (p paramFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("want key=value, got %q", s)
	}
	p[strings.TrimSpace(k)] = strings.TrimSpace(v)
	return nil
}

type oneShot struct {
	image, audio string
	effect       string
	params       paramFlag
	seed         types.Seed
	tags         string
	visibility   string
	noPublish    bool
}

func main() {
	// Load .env (local dev only)
	_ = godotenv.Load()

	opts := oneShot{params: paramFlag{}}
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	serve := flag.Bool("serve", false, "run the HTTP API instead of a one-shot pipeline")
	addr := flag.String("addr", "", "listen address for -serve (overrides server.addr)")
	flag.StringVar(&opts.image, "image", "", "image file (jpg, jpeg, png)")
	flag.StringVar(&opts.audio, "audio", "", "audio file (mp3, wav)")
	flag.StringVar(&opts.effect, "effect", string(types.DefaultEffect), "video effect: glitch, zoom, fade or none")
	flag.Var(opts.params, "param", "effect parameter key=value (repeatable)")
	flag.StringVar(&opts.seed.Title, "title", "", "working title for metadata generation")
	flag.StringVar(&opts.seed.Description, "description", "", "working description for metadata generation")
	flag.StringVar(&opts.tags, "tags", "", "comma-separated tags; replaces the generated ones")
	flag.StringVar(&opts.visibility, "visibility", "", "private, unlisted or public (default from config)")
	flag.BoolVar(&opts.noPublish, "no-publish", false, "stop after metadata; do not upload")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	service := "cli"
	if *serve {
		service = "server"
	}
	logger := logx.Setup(logx.Config{
		Service:  service,
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		FilePath: cfg.Log.File,
	})

	// Ensure required dirs exist
	for _, dir := range []string{cfg.Paths.Work, cfg.Paths.Output, cfg.Paths.Logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create dir")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Resolver:  buildResolver(cfg),
		Renderer:  render.New(cfg.Render, filepath.Join(cfg.Paths.Output, "videos")),
		Generator: metadata.New(cfg.Metadata, nil),
		Publisher: publish.New(cfg.Publish, nil),
	})

	if *serve {
		if err := server.New(cfg, orch, logger).ListenAndServe(ctx); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
		return
	}
	code := runOnce(ctx, cfg, orch, opts)
	stop()
	os.Exit(code)
}

// buildResolver orders the credential tiers: secrets file, Redis (when
// configured), interactive session, environment.
func buildResolver(cfg *config.Config) *credentials.Resolver {
	stores := []credentials.Source{credentials.FileStore{Path: cfg.Credentials.SecretsFile}}
	if cfg.Credentials.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Credentials.RedisAddr})
		stores = append(stores, credentials.RedisStore{Client: rdb, Key: cfg.Credentials.RedisHashKey})
	}
	return credentials.NewResolver(credentials.Options{
		SecretStores:  stores,
		LookupTimeout: cfg.Credentials.LookupTimeout,
	})
}

// runOnce drives one run through all four stages and returns the exit code.
func runOnce(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, opts oneShot) int {
	if opts.image == "" || opts.audio == "" {
		log.Error().Msg("both -image and -audio are required (or use -serve)")
		return 2
	}

	run, err := orch.NewRun()
	if err != nil {
		log.Error().Err(err).Msg("could not start run")
		return 1
	}
	defer orch.Close(run)

	runDir := filepath.Join(cfg.Paths.Output, run.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		log.Error().Err(err).Msg("failed to create run dir")
		return 1
	}
	l := logx.FromCtx(logx.WithRun(ctx, run.ID))
	l.Info().Str("output", runDir).Msg("🎬 media pipeline starting")

	failed := func(stage string, err error) int {
		saveState(orch.Snapshot(run), runDir)
		l.Error().Err(err).Str("kind", pipeerr.KindOf(err).String()).Msgf("❌ %s: %s", stage, pipeerr.Message(err))
		return 1
	}

	// ─────────────────────────────────────────────
	// STAGE 1: Upload
	// ─────────────────────────────────────────────
	l.Info().Msg("━━━ STAGE 1: Upload ━━━")
	for kind, path := range map[types.AssetKind]string{types.Image: opts.image, types.Audio: opts.audio} {
		data, err := os.ReadFile(path)
		if err != nil {
			return failed("Stage 1 Upload", pipeerr.Wrap(pipeerr.ValidationFailed, "upload", err, "cannot read "+string(kind)))
		}
		if _, err := orch.AddAsset(ctx, run, kind, filepath.Base(path), data); err != nil {
			return failed("Stage 1 Upload", err)
		}
	}
	if err := orch.SetEffect(run, types.EffectSelection{Effect: types.Effect(opts.effect), Params: opts.params}); err != nil {
		return failed("Stage 1 Upload", err)
	}

	// ─────────────────────────────────────────────
	// STAGE 2: Render
	// ─────────────────────────────────────────────
	if err := orch.GoTo(ctx, run, types.StepRender); err != nil {
		return failed("Stage 2 Render", err)
	}

	// ─────────────────────────────────────────────
	// STAGE 3: Metadata
	// ─────────────────────────────────────────────
	if err := orch.GoTo(ctx, run, types.StepDescribe); err != nil {
		return failed("Stage 3 Metadata", err)
	}
	md, err := orch.Describe(ctx, run, opts.seed)
	if err != nil {
		return failed("Stage 3 Metadata", err)
	}
	if opts.tags != "" {
		md.Tags = opts.tags
		if md, err = orch.SetMetadata(run, md); err != nil {
			return failed("Stage 3 Metadata", err)
		}
	}
	saveJSON(filepath.Join(runDir, "metadata.json"), md)

	if opts.noPublish {
		saveState(orch.Snapshot(run), runDir)
		l.Info().Msg("✅ pipeline stopped before publish (-no-publish)")
		return 0
	}

	// ─────────────────────────────────────────────
	// STAGE 4: Publish
	// ─────────────────────────────────────────────
	if err := orch.GoTo(ctx, run, types.StepPublish); err != nil {
		return failed("Stage 4 Publish", err)
	}
	res, err := orch.Publish(ctx, run, orchestrator.PublishOptions{Visibility: types.Visibility(opts.visibility)})
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			l.Warn().Msg("interrupted")
		}
		return failed("Stage 4 Publish", err)
	}

	state := orch.Snapshot(run)
	saveState(state, runDir)
	if state.Artifact != nil {
		if _, err := publish.LogUpload(cfg.Paths.Logs, res, *state.Artifact, md); err != nil {
			l.Warn().Err(err).Msg("could not write upload log")
		}
	}
	l.Info().Str("url", res.ExternalURL).Msg("✅ Pipeline complete!")
	return 0
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func saveState(state types.RunState, dir string) {
	state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	saveJSON(filepath.Join(dir, "pipeline_state.json"), state)
}

func saveJSON(path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("could not marshal JSON")
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("could not save file")
	}
}

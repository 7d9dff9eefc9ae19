package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"media-publish-pipeline/config"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/retry"
	"media-publish-pipeline/types"
)

// FFmpeg renders locally: the still image looped for the length of the audio,
// with the selected effect applied as a video filter.
type FFmpeg struct {
	binary     string
	outputDir  string
	resolution string
	fps        int
	defaults   map[string]string
	perAttempt time.Duration
	policy     retry.Policy
}

// NewFFmpeg creates a local renderer writing into outputDir
func NewFFmpeg(cfg config.RenderConfig, outputDir string) *FFmpeg {
	bin := cfg.FFmpegBinary
	if bin == "" {
		bin = "ffmpeg"
	}
	res := cfg.Resolution
	if res == "" {
		res = "1280x720"
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	return &FFmpeg{
		binary:     bin,
		outputDir:  outputDir,
		resolution: res,
		fps:        fps,
		defaults:   cfg.DefaultParams,
		perAttempt: cfg.AttemptTimeout,
		policy:     policyFrom(cfg.Retry),
	}
}

// Render builds the video. An encoder run that overshoots the per-attempt
// timeout is killed and retried; any other failure is final.
func (f *FFmpeg) Render(ctx context.Context, req Request) (types.VideoArtifact, error) {
	l := logx.FromCtx(ctx)
	l.Info().Str("effect", string(req.Effect)).Msg("starting ffmpeg render")

	for _, a := range []types.MediaAsset{req.Image, req.Audio} {
		if _, err := os.Stat(a.Path); err != nil {
			return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.ValidationFailed, "render", err, string(a.Kind)+" asset is not available on disk")
		}
	}
	if err := os.MkdirAll(f.outputDir, 0755); err != nil {
		return types.VideoArtifact{}, pipeerr.Wrap(pipeerr.UpstreamFatal, "render", err, "create output dir")
	}

	args, err := f.args(req)
	if err != nil {
		return types.VideoArtifact{}, err
	}
	outFile := args[len(args)-1]

	return retry.Do(ctx, f.policy, "ffmpeg.render", func(ctx context.Context) (types.VideoArtifact, error) {
		actx, cancel := attempt(ctx, f.perAttempt)
		defer cancel()
		if err := f.run(ctx, actx, l, args); err != nil {
			return types.VideoArtifact{}, err
		}
		l.Info().Str("file", outFile).Msg("✅ video ready")
		return types.VideoArtifact{
			ID:                newArtifactID(),
			LocationRef:       outFile,
			SourceFingerprint: req.Fingerprint,
			Backend:           "ffmpeg",
		}, nil
	})
}

// run executes one encoder attempt under actx, a child of ctx.
func (f *FFmpeg) run(ctx, actx context.Context, l *zerolog.Logger, args []string) error {
	stderr := logx.NewLineWriter(l.With().Str("proc", "ffmpeg").Logger(), zerolog.DebugLevel, 5)
	cmd := exec.CommandContext(actx, f.binary, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	err := cmd.Run()
	stderr.Flush()
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, exec.ErrNotFound):
		return pipeerr.Wrap(pipeerr.UpstreamFatal, "ffmpeg.render", err, f.binary+" is not installed")
	case ctx.Err() != nil:
		return pipeerr.Wrap(pipeerr.UpstreamFatal, "ffmpeg.render", ctx.Err(), "render cancelled")
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return pipeerr.Wrap(pipeerr.UpstreamRetryable, "ffmpeg.render", actx.Err(),
			fmt.Sprintf("encoder did not finish within %s", f.perAttempt))
	}
	msg := "ffmpeg failed"
	if tail := stderr.Tail(); tail != "" {
		msg += ": " + tail
	}
	return pipeerr.Wrap(pipeerr.UpstreamFatal, "ffmpeg.render", err, msg)
}

// args builds the ffmpeg command line; the output path is always last.
func (f *FFmpeg) args(req Request) ([]string, error) {
	w, h, err := parseResolution(f.resolution)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.ValidationFailed, "render", err, "bad resolution")
	}
	params := mergeParams(f.defaults, req.Params)
	effect, err := effectFilter(req.Effect, params, w, h, f.fps)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1", w, h, w, h)
	filter := base
	if effect != "" {
		filter += "," + effect
	}
	filter += ",format=yuv420p"

	name := req.Fingerprint
	if len(name) > 16 {
		name = name[:16]
	}
	if name == "" {
		name = newArtifactID()
	}
	outFile := filepath.Join(f.outputDir, "video_"+name+".mp4")

	return []string{
		"-y",
		"-loop", "1",
		"-i", req.Image.Path,
		"-i", req.Audio.Path,
		"-vf", filter,
		"-r", strconv.Itoa(f.fps),
		"-c:v", "libx264",
		"-preset", "fast",
		"-tune", "stillimage",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-movflags", "+faststart",
		outFile,
	}, nil
}

// effectFilter returns the filter fragment for effect. Recognised params:
// glitch "intensity" (pixels of channel shift), zoom "max" (zoom factor),
// fade "duration" (seconds).
func effectFilter(effect types.Effect, params map[string]string, w, h, fps int) (string, error) {
	switch effect {
	case types.EffectGlitch, "":
		shift := paramInt(params, "intensity", 6)
		return fmt.Sprintf("rgbashift=rh=-%d:bh=%d,noise=alls=18:allf=t", shift, shift), nil
	case types.EffectZoom:
		zmax := paramFloat(params, "max", 1.3)
		return fmt.Sprintf("zoompan=z='min(zoom+0.0008,%.2f)':d=1:x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':s=%dx%d:fps=%d", zmax, w, h, fps), nil
	case types.EffectFade:
		d := paramFloat(params, "duration", 1.5)
		return fmt.Sprintf("fade=t=in:st=0:d=%.2f", d), nil
	case types.EffectNone:
		return "", nil
	}
	return "", pipeerr.Newf(pipeerr.ValidationFailed, "render", "unsupported effect %q", effect)
}

func mergeParams(defaults, override map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func paramInt(p map[string]string, key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(p[key])); err == nil && n > 0 {
		return n
	}
	return def
}

func paramFloat(p map[string]string, key string, def float64) float64 {
	if x, err := strconv.ParseFloat(strings.TrimSpace(p[key]), 64); err == nil && x > 0 {
		return x
	}
	return def
}

func parseResolution(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("resolution %q is not WxH", s)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("resolution %q is not WxH", s)
	}
	return w, h, nil
}

package types

import (
	"fmt"
	"strings"
)

// AssetKind distinguishes the two inputs a render needs
type AssetKind string

const (
	Image AssetKind = "image"
	Audio AssetKind = "audio"
)

// MediaAsset is one uploaded input. Immutable once stored.
type MediaAsset struct {
	Kind        AssetKind `json:"kind"`
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	MIME        string    `json:"mime"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
}

// Effect is the visual treatment applied while rendering
type Effect string

const (
	EffectGlitch Effect = "glitch"
	EffectZoom   Effect = "zoom"
	EffectFade   Effect = "fade"
	EffectNone   Effect = "none"
)

// DefaultEffect is selected for a fresh run.
const DefaultEffect = EffectGlitch

// Effects lists every supported effect in display order
var Effects = []Effect{EffectGlitch, EffectZoom, EffectFade, EffectNone}

// ParseEffect accepts an effect name case-insensitively.
func ParseEffect(s string) (Effect, error) {
	e := Effect(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Effects {
		if e == known {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown effect %q", s)
}

// EffectSelection is the effect plus its tuning parameters
type EffectSelection struct {
	Effect Effect            `json:"effect"`
	Params map[string]string `json:"params,omitempty"`
}

// VideoArtifact is the output of one render
type VideoArtifact struct {
	ID                string `json:"id"`
	LocationRef       string `json:"location_ref"`
	SourceFingerprint string `json:"source_fingerprint"`
	Backend           string `json:"backend"`
}

// Seed is the user's working title/description handed to the metadata generator
type Seed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Metadata holds the publishing text for a video
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Tags        string `json:"tags"`   // comma-separated, as shown to the user
	Source      string `json:"source"` // ai | fallback | user
}

const (
	MetadataSourceAI       = "ai"
	MetadataSourceFallback = "fallback"
	MetadataSourceUser     = "user"
)

// TagList splits the comma-separated tag string, dropping blanks
func (m Metadata) TagList() []string {
	var tags []string
	for _, t := range strings.Split(m.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Visibility is the privacy status requested at publish time
type Visibility string

const (
	Private  Visibility = "private"
	Unlisted Visibility = "unlisted"
	Public   Visibility = "public"
)

// ParseVisibility maps "" to def and rejects anything outside the enumerated set.
func ParseVisibility(s string, def Visibility) (Visibility, error) {
	v := Visibility(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "":
		return def, nil
	case Private, Unlisted, Public:
		return v, nil
	}
	return "", fmt.Errorf("unknown visibility %q (want private, unlisted or public)", s)
}

// PublishResult is what the hosting platform hands back after an upload
type PublishResult struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url"`
	Fingerprint string `json:"fingerprint"`
	Visibility  string `json:"visibility"`
	PublishedAt string `json:"published_at"`
}

// Step is one stage of the pipeline state machine
type Step int

const (
	StepUpload Step = iota + 1
	StepRender
	StepDescribe
	StepPublish
)

var stepNames = map[Step]string{
	StepUpload:   "upload",
	StepRender:   "render",
	StepDescribe: "describe",
	StepPublish:  "publish",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// ParseStep accepts a step name
func ParseStep(s string) (Step, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for step, name := range stepNames {
		if name == s {
			return step, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", s)
}

// RunState is the serializable view of one pipeline run
type RunState struct {
	RunID       string                   `json:"run_id"`
	StartedAt   string                   `json:"started_at"`
	UpdatedAt   string                   `json:"updated_at"`
	Step        string                   `json:"step"`
	Assets      map[AssetKind]MediaAsset `json:"assets"`
	Effect      EffectSelection          `json:"effect"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	Artifact    *VideoArtifact           `json:"artifact,omitempty"`
	Metadata    *Metadata                `json:"metadata,omitempty"`
	Published   map[string]PublishResult `json:"published,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"media-publish-pipeline/config"
	"media-publish-pipeline/credentials"
	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/retry"
	"media-publish-pipeline/types"
)

// Request is one publish action
type Request struct {
	Artifact   types.VideoArtifact
	Metadata   types.Metadata
	Visibility types.Visibility
}

// Publisher uploads a rendered video to a hosting platform
type Publisher interface {
	Publish(ctx context.Context, req Request, cred credentials.Credential) (types.PublishResult, error)
}

// InsertFunc performs the videos.insert call with an authorized client.
type InsertFunc func(ctx context.Context, client *http.Client, video *youtube.Video, media io.Reader) (*youtube.Video, error)

// YouTube handles video upload via Data API v3
type YouTube struct {
	cfg        config.PublishConfig
	httpClient *http.Client
	insert     InsertFunc
	policy     retry.Policy
}

// New creates a YouTube publisher. client may be nil; it is used both for
// fetching remote artifacts and as the base transport of the API client.
func New(cfg config.PublishConfig, client *http.Client) *YouTube {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.CategoryID == "" {
		cfg.CategoryID = "22"
	}
	return &YouTube{
		cfg:        cfg,
		httpClient: client,
		insert:     insertVideo,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Limiter:     retry.NewLimiter(cfg.Retry.RatePerSec, cfg.Retry.Burst),
		},
	}
}

// WithInserter swaps the videos.insert call, e.g. for a sandbox account.
func (y *YouTube) WithInserter(fn InsertFunc) *YouTube {
	y.insert = fn
	return y
}

// Publish uploads the artifact with its metadata and returns the watch URL
func (y *YouTube) Publish(ctx context.Context, req Request, cred credentials.Credential) (types.PublishResult, error) {
	const op = "publish"

	if cred.Value == "" {
		return types.PublishResult{}, pipeerr.New(pipeerr.ConfigurationMissing, op,
			"publish token is not set; provide "+credentials.Describe(credentials.PublishToken))
	}
	def := types.Visibility(y.cfg.DefaultVisibility)
	if def == "" {
		def = types.Private
	}
	visibility, err := types.ParseVisibility(string(req.Visibility), def)
	if err != nil {
		return types.PublishResult{}, pipeerr.Wrap(pipeerr.ValidationFailed, op, err, "")
	}
	if strings.TrimSpace(req.Metadata.Title) == "" {
		return types.PublishResult{}, pipeerr.New(pipeerr.ValidationFailed, op, "metadata title is empty")
	}
	if req.Artifact.LocationRef == "" {
		return types.PublishResult{}, pipeerr.New(pipeerr.ValidationFailed, op, "no rendered video to publish")
	}

	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:                req.Metadata.Title,
			Description:          req.Metadata.Description,
			Tags:                 req.Metadata.TagList(),
			CategoryId:           y.cfg.CategoryID,
			DefaultLanguage:      y.cfg.DefaultLanguage,
			DefaultAudioLanguage: y.cfg.DefaultLanguage,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus:           string(visibility),
			SelfDeclaredMadeForKids: y.cfg.MadeForKids,
			// false is a real answer here, not an unset field
			ForceSendFields: []string{"SelfDeclaredMadeForKids"},
		},
	}

	l := logx.FromCtx(ctx)
	l.Info().Str("title", req.Metadata.Title).Str("privacy", string(visibility)).Msg("uploading to YouTube")

	client := y.oauthClient(ctx, cred.Value)
	uploaded, err := retry.Do(ctx, y.policy, op, func(ctx context.Context) (*youtube.Video, error) {
		media, err := y.openMedia(ctx, req.Artifact.LocationRef)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = media.Close()
		}()
		v, err := y.insert(ctx, client, video, media)
		if err != nil {
			return nil, classify(op, err)
		}
		return v, nil
	})
	if err != nil {
		return types.PublishResult{}, err
	}
	if uploaded == nil || uploaded.Id == "" {
		return types.PublishResult{}, pipeerr.New(pipeerr.UpstreamFatal, op, "YouTube returned no video id")
	}

	res := types.PublishResult{
		ExternalID:  uploaded.Id,
		ExternalURL: WatchURL(uploaded.Id),
		Fingerprint: req.Artifact.SourceFingerprint,
		Visibility:  string(visibility),
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	l.Info().Str("video_id", res.ExternalID).Str("url", res.ExternalURL).Msg("✅ uploaded successfully")
	return res, nil
}

// WatchURL is the public page for a video id.
func WatchURL(id string) string {
	return fmt.Sprintf("https://www.youtube.com/watch?v=%s", id)
}

func insertVideo(ctx context.Context, client *http.Client, video *youtube.Video, media io.Reader) (*youtube.Video, error) {
	svc, err := youtube.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.UpstreamFatal, "publish", err, "youtube service")
	}
	// resumable upload is chosen by the client library for large media
	return svc.Videos.Insert([]string{"snippet", "status"}, video).Media(media).Context(ctx).Do()
}

// oauthClient treats the token as a refresh token when OAuth client
// credentials are configured, and as a bearer access token otherwise.
func (y *YouTube) oauthClient(ctx context.Context, token string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, y.httpClient)

	if y.cfg.OAuthClientID != "" && y.cfg.OAuthClientSecret != "" {
		conf := &oauth2.Config{
			ClientID:     y.cfg.OAuthClientID,
			ClientSecret: y.cfg.OAuthClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeScope},
		}
		tok := &oauth2.Token{
			RefreshToken: token,
			Expiry:       time.Now().Add(-time.Hour), // force refresh
		}
		return conf.Client(ctx, tok)
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

// openMedia opens the artifact for one upload attempt. Remote artifacts are
// streamed rather than buffered.
func (y *YouTube) openMedia(ctx context.Context, ref string) (io.ReadCloser, error) {
	const op = "publish.media"

	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		f, err := os.Open(ref)
		if err != nil {
			return nil, pipeerr.Wrap(pipeerr.ValidationFailed, op, err, "rendered video is not available")
		}
		if fi, err := f.Stat(); err == nil {
			logx.FromCtx(ctx).Info().Msgf("File size: %.1f MB", float64(fi.Size())/1024/1024)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.ValidationFailed, op, err, "bad artifact url")
	}
	resp, err := y.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "upload cancelled")
		}
		return nil, pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "fetching rendered video failed")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		kind := pipeerr.UpstreamFatal
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = pipeerr.UpstreamRetryable
		}
		return nil, pipeerr.Newf(kind, op, "fetching rendered video returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// classify maps an insert failure onto the taxonomy. videos.insert is not
// idempotent: only failures where YouTube answered, or where no connection was
// made, are retried. A timeout or dropped connection mid-upload may still have
// created the video.
func classify(op string, err error) error {
	if pipeerr.KindOf(err) != pipeerr.Unknown {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "publish token rejected")
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "YouTube unavailable")
		default:
			return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "YouTube rejected the upload")
		}
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "publish token rejected")
	}
	if errors.Is(err, context.Canceled) {
		return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "upload cancelled")
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		return pipeerr.Wrap(pipeerr.UpstreamRetryable, op, err, "YouTube unreachable")
	}
	return pipeerr.Wrap(pipeerr.UpstreamFatal, op, err,
		"upload interrupted; the video may already exist, check the channel before publishing again")
}

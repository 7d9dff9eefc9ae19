package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/types"
)

// accepted maps each asset kind to the extensions the uploader takes and the
// content types sniffing may report for them.
var accepted = map[types.AssetKind]struct {
	exts  []string
	mimes []string
}{
	types.Image: {
		exts:  []string{".jpg", ".jpeg", ".png"},
		mimes: []string{"image/jpeg", "image/png"},
	},
	types.Audio: {
		exts: []string{".mp3", ".wav"},
		// DetectContentType reports raw mp3 frames as octet-stream
		mimes: []string{"audio/mpeg", "audio/wave", "audio/wav", "audio/x-wav", "application/octet-stream"},
	},
}

// Store keeps one run's uploaded assets on disk, named by content hash
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates the run's asset directory
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// Dir is the run's asset directory
func (s *Store) Dir() string { return s.dir }

// Put validates data as an asset of kind and stores it
func (s *Store) Put(kind types.AssetKind, filename string, data []byte) (types.MediaAsset, error) {
	const op = "ingest"

	rule, ok := accepted[kind]
	if !ok {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.ValidationFailed, op, "unknown asset kind %q", kind)
	}
	if len(data) == 0 {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.ValidationFailed, op, "%s file is empty", kind)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.ValidationFailed, op,
			"%s file is %.1f MB, limit is %.1f MB", kind, mb(int64(len(data))), mb(s.maxBytes))
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !contains(rule.exts, ext) {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.ValidationFailed, op,
			"unsupported %s type %q (accepted: %s)", kind, ext, strings.Join(rule.exts, ", "))
	}

	mime := sniff(data)
	if !contains(rule.mimes, mime) {
		return types.MediaAsset{}, pipeerr.Newf(pipeerr.ValidationFailed, op,
			"%s content looks like %s, not a supported %s", filename, mime, kind)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(s.dir, string(kind)+"_"+hash+ext)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return types.MediaAsset{}, fmt.Errorf("write %s: %w", kind, err)
		}
	}

	return types.MediaAsset{
		Kind:        kind,
		Name:        filepath.Base(filename),
		ContentHash: hash,
		MIME:        mime,
		Size:        int64(len(data)),
		Path:        path,
	}, nil
}

// Destroy removes every stored asset
func (s *Store) Destroy() error {
	return os.RemoveAll(s.dir)
}

func sniff(data []byte) string {
	mime := http.DetectContentType(data)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func mb(n int64) float64 {
	return float64(n) / 1024 / 1024
}

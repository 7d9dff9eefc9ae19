package publish

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"media-publish-pipeline/types"
)

// LogUpload saves the upload result next to the run's other outputs and
// returns the file it wrote.
func LogUpload(outputDir string, res types.PublishResult, art types.VideoArtifact, md types.Metadata) (string, error) {
	entry := map[string]interface{}{
		"video_id":        res.ExternalID,
		"video_url":       res.ExternalURL,
		"title":           md.Title,
		"tags":            md.TagList(),
		"visibility":      res.Visibility,
		"fingerprint":     res.Fingerprint,
		"uploaded_at":     res.PublishedAt,
		"video_file":      art.LocationRef,
		"render_backend":  art.Backend,
		"metadata_source": md.Source,
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}
	logFile := filepath.Join(outputDir, fmt.Sprintf("upload_%s_%s.json", time.Now().Format("20060102_150405"), res.ExternalID))
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(logFile, data, 0644); err != nil {
		return "", err
	}

	log.Info().Str("stage", "publish").Str("file", logFile).Msg("upload log saved")
	return logFile, nil
}

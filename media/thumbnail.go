package media

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"media-pipeline/pkg/apperr"
	"path/filepath"
	"strconv"
	"strings"
)

var defaultThumbnailTimestamps = []string{"10%", "50%", "90%"}

// GenerateThumbnails grabs one JPEG per timestamp. Timestamps are seconds ("12.5") or a share of
// the duration ("50%"). Values outside [0, duration) are dropped; if nothing is left a single
// frame at 10% is taken.
func (e *Engine) GenerateThumbnails(ctx context.Context, input, outDir string, timestamps []string) ([]string, error) {
	src, err := e.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	if src.Duration <= 0 {
		return nil, apperr.New(apperr.CodeMediaProbeFailed, "video duration is unknown")
	}
	if err := e.fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	var paths []string
	for i, at := range resolveTimestamps(src.Duration, timestamps) {
		out := filepath.Join(outDir, fmt.Sprintf("thumb_%02d.jpg", i))
		_, err := e.runner.Run(ctx, e.ffmpeg,
			"-y",
			"-ss", strconv.FormatFloat(at, 'f', 3, 64),
			"-i", input,
			"-frames:v", "1",
			"-q:v", "2",
			out,
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeMediaEncodeFailed, fmt.Sprintf("thumbnail at %.3fs", at), err)
		}
		paths = append(paths, out)
	}
	zerolog.Ctx(ctx).Info().Int("count", len(paths)).Msg("thumbnails generated")
	return paths, nil
}

func resolveTimestamps(duration float64, timestamps []string) []float64 {
	if len(timestamps) == 0 {
		timestamps = defaultThumbnailTimestamps
	}

	var out []float64
	for _, ts := range timestamps {
		at, ok := parseTimestamp(ts, duration)
		if !ok || at < 0 || at >= duration {
			continue
		}
		out = append(out, at)
	}
	if len(out) == 0 {
		out = append(out, duration*0.1)
	}
	return out
}

func parseTimestamp(ts string, duration float64) (float64, bool) {
	ts = strings.TrimSpace(ts)
	if pct, ok := strings.CutSuffix(ts, "%"); ok {
		p, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, false
		}
		return duration * p / 100, true
	}
	s, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0, false
	}
	return s, true
}

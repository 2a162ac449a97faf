package media

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"media-pipeline/pkg/apperr"
	"path/filepath"
	"sort"
)

// Transcode renders an H.264/AAC MP4 for every requested height up to the source height.
// Taller heights are skipped; the source is never upscaled.
func (e *Engine) Transcode(ctx context.Context, input, outDir string, heights []int) (map[int]string, error) {
	src, err := e.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := e.fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}

	outputs := make(map[int]string)
	for _, h := range targetHeights(heights, src.Height) {
		out := filepath.Join(outDir, fmt.Sprintf("output_%dp.mp4", h))
		_, err := e.runner.Run(ctx, e.ffmpeg,
			"-y",
			"-i", input,
			"-vf", fmt.Sprintf("scale=-2:%d", h),
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "22",
			"-c:a", "aac",
			"-b:a", "128k",
			"-movflags", "+faststart",
			out,
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeMediaEncodeFailed, fmt.Sprintf("transcode to %dp", h), err)
		}
		outputs[h] = out
		zerolog.Ctx(ctx).Info().Int("height", h).Str("output", out).Msg("rendition transcoded")
	}
	return outputs, nil
}

// targetHeights returns the distinct even heights not above the source height, ascending.
func targetHeights(heights []int, sourceHeight int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, h := range heights {
		h = even(h)
		if h <= 0 || h > sourceHeight || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

func even(n int) int {
	return n - n%2
}

// CompressForStorage writes a single H.265/AAC copy tuned for storage footprint.
func (e *Engine) CompressForStorage(ctx context.Context, input, outPath string) error {
	if err := e.fs.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	_, err := e.runner.Run(ctx, e.ffmpeg,
		"-y",
		"-i", input,
		"-c:v", "libx265",
		"-preset", "medium",
		"-crf", "28",
		"-tag:v", "hvc1",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		outPath,
	)
	if err != nil {
		return apperr.Wrap(apperr.CodeMediaEncodeFailed, "compress for storage", err)
	}
	zerolog.Ctx(ctx).Info().Str("output", outPath).Msg("storage copy compressed")
	return nil
}

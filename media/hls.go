package media

import (
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"media-pipeline/pkg/apperr"
	"path/filepath"
	"sort"
	"strings"
)

// Rung is one rendition of an adaptive ladder.
type Rung struct {
	Height    int
	Bitrate   string // e.g., "800k"
	AudioRate string // e.g., "96k"
}

var DefaultLadder = []Rung{
	{Height: 360, Bitrate: "800k", AudioRate: "96k"},
	{Height: 480, Bitrate: "1400k", AudioRate: "128k"},
	{Height: 720, Bitrate: "2800k", AudioRate: "128k"},
	{Height: 1080, Bitrate: "5000k", AudioRate: "192k"},
}

// LadderFor keeps the DefaultLadder rungs whose heights are listed. An empty list keeps all.
func LadderFor(heights []int) []Rung {
	if len(heights) == 0 {
		return DefaultLadder
	}
	var out []Rung
	for _, r := range DefaultLadder {
		for _, h := range heights {
			if r.Height == h {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// PackageAdaptive segments input into one HLS playlist per rung and writes master.m3u8 into
// outDir. Rungs above the source height are skipped; when none fit, a single rung at the
// source height is produced.
func (e *Engine) PackageAdaptive(ctx context.Context, input, outDir string, ladder []Rung) (string, error) {
	src, err := e.Probe(ctx, input)
	if err != nil {
		return "", err
	}
	if len(ladder) == 0 {
		ladder = e.ladder
	}
	rungs := selectRungs(ladder, src.Height)
	if err := e.fs.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	for _, r := range rungs {
		playlistName := fmt.Sprintf("%dp.m3u8", r.Height)
		segmentName := fmt.Sprintf("%dp_%%03d.ts", r.Height)

		_, err := e.runner.Run(ctx, e.ffmpeg,
			"-y",
			"-i", input,
			"-vf", fmt.Sprintf("scale=-2:%d", r.Height),
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-b:v", r.Bitrate,
			"-maxrate", r.Bitrate,
			"-bufsize", r.Bitrate,
			"-c:a", "aac",
			"-b:a", r.AudioRate,
			"-f", "hls",
			"-hls_time", "6",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", filepath.Join(outDir, segmentName),
			filepath.Join(outDir, playlistName),
		)
		if err != nil {
			return "", apperr.Wrap(apperr.CodeMediaEncodeFailed, fmt.Sprintf("package %dp", r.Height), err)
		}
		zerolog.Ctx(ctx).Info().Int("height", r.Height).Str("playlist", playlistName).Msg("rendition packaged")
	}

	masterPath := filepath.Join(outDir, "master.m3u8")
	master := masterPlaylist(rungs, src.Width, src.Height)
	if err := afero.WriteFile(e.fs, masterPath, []byte(master), 0o644); err != nil {
		return "", err
	}
	return masterPath, nil
}

func selectRungs(ladder []Rung, sourceHeight int) []Rung {
	var rungs []Rung
	for _, r := range ladder {
		if r.Height <= sourceHeight {
			rungs = append(rungs, r)
		}
	}
	if len(rungs) == 0 && len(ladder) > 0 {
		lowest := ladder[0]
		for _, r := range ladder[1:] {
			if r.Height < lowest.Height {
				lowest = r
			}
		}
		lowest.Height = even(sourceHeight)
		rungs = append(rungs, lowest)
	}
	sort.Slice(rungs, func(i, j int) bool { return rungs[i].Height < rungs[j].Height })
	return rungs
}

func masterPlaylist(rungs []Rung, sourceWidth, sourceHeight int) string {
	var contentBuilder strings.Builder
	contentBuilder.WriteString("#EXTM3U\n")
	contentBuilder.WriteString("#EXT-X-VERSION:3\n")

	for _, r := range rungs {
		var videoBitrateKbps int
		fmt.Sscanf(r.Bitrate, "%dk", &videoBitrateKbps)

		var audioBitrateKbps int
		fmt.Sscanf(r.AudioRate, "%dk", &audioBitrateKbps)

		totalBandwidth := (videoBitrateKbps + audioBitrateKbps) * 1000
		width := scaledWidth(sourceWidth, sourceHeight, r.Height)

		contentBuilder.WriteString(fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"avc1.640028,mp4a.40.2\"\n", totalBandwidth, width, r.Height))
		contentBuilder.WriteString(fmt.Sprintf("%dp.m3u8\n", r.Height))
	}
	return contentBuilder.String()
}

// scaledWidth mirrors ffmpeg's scale=-2:h, which keeps the aspect ratio with an even width.
func scaledWidth(sourceWidth, sourceHeight, height int) int {
	if sourceWidth <= 0 || sourceHeight <= 0 {
		return even(height * 16 / 9)
	}
	half := float64(sourceWidth) * float64(height) / float64(sourceHeight) / 2
	return int(half+0.5) * 2
}

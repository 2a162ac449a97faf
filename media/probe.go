package media

import (
	"context"
	"encoding/json"
	"fmt"
	"media-pipeline/pkg/apperr"
	"strconv"
	"strings"
)

type ProbeResult struct {
	Duration    float64 `json:"duration"`
	SizeBytes   int64   `json:"sizeBytes"`
	Bitrate     int64   `json:"bitrate"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio string  `json:"aspectRatio"`
	Codec       string  `json:"codec"`
	FPS         float64 `json:"fps"`
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType          string `json:"codec_type"`
		CodecName          string `json:"codec_name"`
		Width              int    `json:"width"`
		Height             int    `json:"height"`
		DisplayAspectRatio string `json:"display_aspect_ratio"`
		RFrameRate         string `json:"r_frame_rate"`
		AvgFrameRate       string `json:"avg_frame_rate"`
		Duration           string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

func (e *Engine) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := e.runner.Run(ctx, e.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeMediaProbeFailed, "ffprobe failed on "+path, err)
	}
	return parseProbe(out)
}

func parseProbe(raw []byte) (*ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Wrap(apperr.CodeMediaProbeFailed, "unreadable ffprobe output", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" || s.Width <= 0 || s.Height <= 0 {
			continue
		}
		res := &ProbeResult{
			Duration:    parseFloat(out.Format.Duration),
			SizeBytes:   int64(parseFloat(out.Format.Size)),
			Bitrate:     int64(parseFloat(out.Format.BitRate)),
			Width:       s.Width,
			Height:      s.Height,
			AspectRatio: aspectRatio(s.DisplayAspectRatio, s.Width, s.Height),
			Codec:       s.CodecName,
			FPS:         frameRate(s.AvgFrameRate),
		}
		if res.Duration <= 0 {
			res.Duration = parseFloat(s.Duration)
		}
		if res.FPS == 0 {
			res.FPS = frameRate(s.RFrameRate)
		}
		return res, nil
	}
	return nil, apperr.New(apperr.CodeMediaProbeFailed, "no decodable video stream")
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// frameRate parses ffprobe rates such as "30000/1001".
func frameRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, d := parseFloat(num), parseFloat(den)
	if d == 0 {
		return 0
	}
	return float64(int(n/d*100+0.5)) / 100
}

func aspectRatio(display string, width, height int) string {
	if display != "" && display != "0:1" && display != "N/A" {
		return display
	}
	g := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/g, height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// Package media wraps ffprobe and ffmpeg into independent processing stages.
package media

import (
	"bytes"
	"context"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"os/exec"
	"strings"
)

// Runner executes an external tool and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	zerolog.Ctx(ctx).Debug().Str("command", name+" "+strings.Join(args, " ")).Msg("executing")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, tail(stderr.String(), 2048))
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Ladder overrides DefaultLadder for adaptive packaging.
	Ladder []Rung
}

// Engine runs the media stages. Each method is independently callable and reports failures as
// MEDIA_PROBE_FAILED or MEDIA_ENCODE_FAILED.
type Engine struct {
	fs      afero.Fs
	runner  Runner
	ffmpeg  string
	ffprobe string
	ladder  []Rung
}

func NewEngine(cfg Config) *Engine {
	return newEngine(afero.NewOsFs(), execRunner{}, cfg)
}

func newEngine(fs afero.Fs, runner Runner, cfg Config) *Engine {
	e := &Engine{
		fs:      fs,
		runner:  runner,
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		ladder:  cfg.Ladder,
	}
	if e.ffmpeg == "" {
		e.ffmpeg = "ffmpeg"
	}
	if e.ffprobe == "" {
		e.ffprobe = "ffprobe"
	}
	if len(e.ladder) == 0 {
		e.ladder = DefaultLadder
	}
	return e
}

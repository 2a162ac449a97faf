package service

import (
	"context"
	"github.com/rs/zerolog"
	"os"
)

// cleanup runs a best-effort step. A failure is logged and never returned, so it cannot mask
// the error of the main path.
func cleanup(ctx context.Context, what string, fn func() error) {
	if err := fn(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("cleanup", what).Msg("cleanup failed")
	}
}

func removeDir(ctx context.Context, dir string) {
	cleanup(ctx, "remove "+dir, func() error { return os.RemoveAll(dir) })
}

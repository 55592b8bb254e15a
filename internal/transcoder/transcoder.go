// Package transcoder orchestrates the external encoding tool. Each profile
// gets a bounded-timeout child process, one retry with reduced parameters,
// and a container signature check before the output is accepted.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
)

// Runner executes one encoding invocation and returns the tool's combined
// diagnostic output. Implementations must honor ctx cancellation by killing
// the child process.
type Runner interface {
	Run(ctx context.Context, args []string) (diagnostics []byte, err error)
}

// FFmpegRunner shells out to ffmpeg.
type FFmpegRunner struct {
	Binary string
}

func (r *FFmpegRunner) Run(ctx context.Context, args []string) ([]byte, error) {
	binary := r.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	return cmd.CombinedOutput()
}

// Config bounds transcode attempts.
type Config struct {
	AttemptTimeout time.Duration // wall clock per attempt, 0 = none
}

// Transcoder converts a fetched source file into output renditions.
type Transcoder struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a transcoder around the given runner.
func New(runner Runner, cfg Config, logger *slog.Logger) *Transcoder {
	return &Transcoder{runner: runner, cfg: cfg, logger: logger}
}

// Transcode produces the rendition for profile under outDir and returns the
// output path. The first attempt uses the profile's full parameter set; on
// failure a single fallback attempt runs with reduced parameters before the
// failure is declared permanent.
func (t *Transcoder) Transcode(ctx context.Context, srcPath string, profile domain.Profile, outDir string) (string, error) {
	outPath := filepath.Join(outDir, profile.Key()+"."+profile.Format)

	argSets := [][]string{
		primaryArgs(srcPath, profile, outPath),
		fallbackArgs(srcPath, profile, outPath),
	}

	var lastErr error
	for attempt, args := range argSets {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		lastErr = t.runOnce(ctx, args, outPath, profile)
		if lastErr == nil {
			if attempt > 0 {
				t.logger.Info("Transcode succeeded with fallback parameters",
					slog.String("profile", profile.Key()),
				)
			}
			return outPath, nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return "", lastErr
		}

		t.logger.Warn("Transcode attempt failed",
			slog.String("profile", profile.Key()),
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr),
		)
	}
	return "", lastErr
}

func (t *Transcoder) runOnce(ctx context.Context, args []string, outPath string, profile domain.Profile) error {
	attemptCtx := ctx
	if t.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t.cfg.AttemptTimeout)
		defer cancel()
	}

	diagnostics, err := t.runner.Run(attemptCtx, args)
	if err != nil {
		os.Remove(outPath)
		if ctx.Err() == context.Canceled {
			return context.Canceled
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		reason := err
		if attemptCtx.Err() == context.DeadlineExceeded {
			reason = fmt.Errorf("encoding timed out after %s", t.cfg.AttemptTimeout)
		}
		return &domain.TranscodeError{
			Profile:     profile,
			ExitCode:    exitCode,
			Diagnostics: string(diagnostics),
			Err:         reason,
		}
	}

	if err := VerifyOutput(outPath, profile.Format); err != nil {
		os.Remove(outPath)
		return &domain.TranscodeError{
			Profile:     profile,
			ExitCode:    0,
			Diagnostics: string(diagnostics),
			Err:         err,
		}
	}
	return nil
}

// primaryArgs builds the full-quality ffmpeg argument vector for a profile.
func primaryArgs(srcPath string, p domain.Profile, outPath string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", srcPath}

	switch p.Format {
	case "mp3":
		bitrate := p.BitrateKbps
		if bitrate == 0 {
			bitrate = 192
		}
		args = append(args, "-vn", "-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", bitrate))
	default: // mp4
		args = append(args, "-c:v", "libx264", "-preset", "medium")
		if p.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", p.Height))
		}
		if p.BitrateKbps > 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", p.BitrateKbps))
		}
		args = append(args, "-c:a", "aac", "-movflags", "+faststart")
	}

	return append(args, outPath)
}

// fallbackArgs trades quality for a higher chance of completing: fastest
// preset, halved bitrate, no faststart remux pass.
func fallbackArgs(srcPath string, p domain.Profile, outPath string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", srcPath}

	switch p.Format {
	case "mp3":
		args = append(args, "-vn", "-c:a", "libmp3lame", "-b:a", "128k")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "ultrafast")
		if p.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", p.Height))
		}
		if p.BitrateKbps > 0 {
			args = append(args, "-b:v", fmt.Sprintf("%dk", p.BitrateKbps/2))
		}
		args = append(args, "-c:a", "aac")
	}

	return append(args, outPath)
}

package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ytkara/internal/domain"
	"ytkara/internal/domain/ports"
)

const (
	DefaultFormat      = "bestvideo[height<=720][vcodec^=avc]+bestaudio[ext=m4a]/best[height<=720]"
	DefaultURLTemplate = "https://www.youtube.com/watch?v=%s"

	defaultTimeout = 180 * time.Second
	outputTemplate = "video.%(ext)s"
	maxStderrBytes = 2048
	waitDelay      = 5 * time.Second
)

type Options struct {
	Binary             string
	Format             string
	ExtractorArgs      string
	CookiesFromBrowser string
	CookiesFile        string
	// URLTemplate receives the key through fmt.Sprintf.
	URLTemplate string
	// Timeout applies when the caller's context carries no deadline.
	Timeout time.Duration
}

// Fetcher downloads media with the yt-dlp command line tool.
type Fetcher struct {
	opts   Options
	prober ports.DurationProber
	logger *slog.Logger
}

func New(opts Options, prober ports.DurationProber, logger *slog.Logger) *Fetcher {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "yt-dlp"
	}
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultURLTemplate
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{opts: opts, prober: prober, logger: logger}
}

func (f *Fetcher) Fetch(ctx context.Context, key, workDir string) (domain.FetchResult, error) {
	if !domain.ValidKey(key) {
		return domain.FetchResult{}, fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return domain.FetchResult{}, fmt.Errorf("work dir %q is not a directory", workDir)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.opts.Binary, f.buildArgs(key, workDir)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// yt-dlp spawns ffmpeg for merging; do not wait forever on its pipes.
	cmd.WaitDelay = waitDelay

	started := time.Now()
	runErr := cmd.Run()
	if runErr != nil {
		return domain.FetchResult{}, f.classify(ctx, key, runErr, stderr.String())
	}

	out, err := parseOutput(stdout.String())
	if err != nil {
		return domain.FetchResult{}, &domain.FetchError{Key: key, Category: domain.FetchUnknown, Err: err}
	}
	path, err := resolveOutputPath(workDir, out.filePath)
	if err != nil {
		return domain.FetchResult{}, &domain.FetchError{Key: key, Category: domain.FetchUnknown, Err: err}
	}

	duration := out.duration
	if duration <= 0 && f.prober != nil {
		probed, probeErr := f.prober.Duration(ctx, path)
		if probeErr != nil {
			f.logger.Warn("ytdlp: duration probe failed",
				slog.String("key", key),
				slog.String("error", probeErr.Error()),
			)
		} else {
			duration = probed
		}
	}

	f.logger.Debug("ytdlp: download finished",
		slog.String("key", key),
		slog.String("file", filepath.Base(path)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return domain.FetchResult{FilePath: path, Title: out.title, DurationSeconds: duration}, nil
}

func (f *Fetcher) buildArgs(key, workDir string) []string {
	args := []string{
		"-f", f.opts.Format,
		"--print", "%(title)s",
		"--print", "%(duration)s",
		"--print", "after_move:%(filepath)s",
		"-o", filepath.Join(workDir, outputTemplate),
		"--no-warnings",
		"--no-playlist",
		"--no-progress",
	}
	if f.opts.ExtractorArgs != "" {
		args = append(args, "--extractor-args", f.opts.ExtractorArgs)
	}
	switch {
	case f.opts.CookiesFile != "":
		args = append(args, "--cookies", f.opts.CookiesFile)
	case f.opts.CookiesFromBrowser != "":
		args = append(args, "--cookies-from-browser", f.opts.CookiesFromBrowser)
	}
	return append(args, fmt.Sprintf(f.opts.URLTemplate, key))
}

func (f *Fetcher) classify(ctx context.Context, key string, runErr error, stderr string) error {
	msg := tail(strings.TrimSpace(stderr), maxStderrBytes)
	category := domain.CategorizeFetchError(msg)

	cause := runErr
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		category = domain.FetchNetworkTimeout
		cause = ctx.Err()
	case ctx.Err() != nil:
		cause = ctx.Err()
	}
	if msg != "" {
		cause = fmt.Errorf("yt-dlp failed: %w: %s", cause, msg)
	} else {
		cause = fmt.Errorf("yt-dlp failed: %w", cause)
	}
	return &domain.FetchError{Key: key, Category: category, Err: cause}
}

type output struct {
	title    string
	duration float64
	filePath string
}

// parseOutput reads the three --print lines: title, duration, final path.
func parseOutput(stdout string) (output, error) {
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 3 {
		return output{}, fmt.Errorf("unexpected yt-dlp output: %d lines", len(lines))
	}

	out := output{
		title:    lines[0],
		filePath: lines[len(lines)-1],
	}
	if d, err := strconv.ParseFloat(lines[1], 64); err == nil && d > 0 {
		out.duration = d
	}
	if out.title == "NA" {
		out.title = ""
	}
	return out, nil
}

func resolveOutputPath(workDir, reported string) (string, error) {
	if reported != "" && reported != "NA" {
		if !filepath.IsAbs(reported) {
			reported = filepath.Join(workDir, reported)
		}
		if _, err := os.Stat(reported); err == nil {
			return reported, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(workDir, "video.*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if !strings.HasSuffix(m, ".part") && !strings.HasSuffix(m, ".ytdl") {
			return m, nil
		}
	}
	return "", fmt.Errorf("no downloaded file in %s", workDir)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

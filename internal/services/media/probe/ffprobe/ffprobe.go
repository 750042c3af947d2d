package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Stream is one elementary stream of a media file.
type Stream struct {
	Type  string
	Codec string
}

// Info is the subset of ffprobe output used for cache validation.
type Info struct {
	Duration float64
	Streams  []Stream
}

func (i Info) HasVideo() bool { return i.hasType("video") }

func (i Info) HasAudio() bool { return i.hasType("audio") }

func (i Info) hasType(kind string) bool {
	for _, s := range i.Streams {
		if s.Type == kind {
			return true
		}
	}
	return false
}

type Prober struct {
	binary string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

func (p *Prober) Probe(ctx context.Context, filePath string) (Info, error) {
	path := strings.TrimSpace(filePath)
	if path == "" {
		return Info{}, errors.New("file path is required")
	}
	return p.run(ctx, []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	})
}

// Duration returns the container duration in seconds.
func (p *Prober) Duration(ctx context.Context, filePath string) (float64, error) {
	info, err := p.Probe(ctx, filePath)
	if err != nil {
		return 0, err
	}
	if info.Duration <= 0 {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", filePath)
	}
	return info.Duration, nil
}

const maxProbeTimeout = 30 * time.Second

func (p *Prober) run(ctx context.Context, args []string) (Info, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if runErr := cmd.Run(); runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Info{}, fmt.Errorf("ffprobe failed: %w", runErr)
		}
		return Info{}, fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
	}

	info, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe output parse failed: %w", err)
	}
	return info, nil
}

type probePayload struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (Info, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Info{}, err
	}

	info := Info{Streams: make([]Stream, 0, len(payload.Streams))}
	for _, s := range payload.Streams {
		if s.CodecType == "" {
			continue
		}
		info.Streams = append(info.Streams, Stream{Type: s.CodecType, Codec: s.CodecName})
	}
	if payload.Format.Duration != "" {
		if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
			info.Duration = d
		}
	}
	return info, nil
}

package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUndecodable marks input ffmpeg ran on and rejected. Other conversion
// failures (missing binary, cancellation) do not carry it.
var ErrUndecodable = errors.New("audio could not be decoded")

// Converter normalizes an arbitrary audio file into a mono 16 kHz PCM WAV.
type Converter interface {
	ToWAV(ctx context.Context, inPath, outPath string) error
}

// FFmpegConverter shells out to the ffmpeg binary.
type FFmpegConverter struct {
	Binary     string
	SampleRate int
}

func NewFFmpegConverter(binary string) *FFmpegConverter {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &FFmpegConverter{Binary: binary, SampleRate: DefaultSampleRate}
}

func (c *FFmpegConverter) ToWAV(ctx context.Context, inPath, outPath string) error {
	rate := c.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	cmd := exec.CommandContext(ctx, c.Binary,
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", inPath,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-sample_fmt", "s16",
		"-f", "wav",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return fmt.Errorf("ffmpeg convert %s: %w: %s", inPath, ErrUndecodable, msg)
		}
		return fmt.Errorf("ffmpeg convert %s: %w: %s", inPath, err, msg)
	}
	return nil
}

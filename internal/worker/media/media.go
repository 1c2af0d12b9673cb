// Package media measures the properties of input files that job parameters
// are derived from.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Kind is the media type of an input.
type Kind string

const (
	Video Kind = "video"
	Image Kind = "image"
)

// Properties are the measured dimensions of a media file. FrameRate is zero
// for images and for videos whose rate could not be measured.
type Properties struct {
	Width     int
	Height    int
	FrameRate float64
}

// Inspector measures media files.
type Inspector interface {
	Inspect(ctx context.Context, path string, kind Kind) (Properties, error)
}

// Probe is the default Inspector: images are read with image.DecodeConfig
// and videos with ffprobe.
type Probe struct {
	// FFprobePath is the ffprobe executable. Defaults to "ffprobe".
	FFprobePath string
}

func (p Probe) Inspect(ctx context.Context, path string, kind Kind) (Properties, error) {
	switch kind {
	case Image:
		return inspectImage(path)
	case Video:
		return p.inspectVideo(ctx, path)
	default:
		return Properties{}, fmt.Errorf("unknown media kind %q", kind)
	}
}

func inspectImage(path string) (Properties, error) {
	f, err := os.Open(path)
	if err != nil {
		return Properties{}, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return Properties{}, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Properties{}, fmt.Errorf("%s image has no dimensions", format)
	}
	return Properties{Width: cfg.Width, Height: cfg.Height}, nil
}

func (p Probe) inspectVideo(ctx context.Context, path string) (Properties, error) {
	if _, err := os.Stat(path); err != nil {
		return Properties{}, err
	}

	bin := p.FFprobePath
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate",
		"-print_format", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Properties{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbeOutput(out)
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

func parseProbeOutput(out []byte) (Properties, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Properties{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 {
		return Properties{}, fmt.Errorf("no video stream")
	}
	s := po.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Properties{}, fmt.Errorf("video stream has no dimensions")
	}

	rate := parseFrameRate(s.AvgFrameRate)
	if rate == 0 {
		rate = parseFrameRate(s.RFrameRate)
	}
	return Properties{Width: s.Width, Height: s.Height, FrameRate: rate}, nil
}

// parseFrameRate reads ffprobe's "num/den" or plain decimal rates. Anything
// unusable, such as "0/0", yields 0.
func parseFrameRate(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den, hasDen := strings.Cut(s, "/")
	r, ok := positiveFinite(num)
	if !ok {
		return 0
	}
	if hasDen {
		d, ok := positiveFinite(den)
		if !ok {
			return 0
		}
		r /= d
	}
	if math.IsInf(r, 0) || r <= 0 {
		return 0
	}
	return r
}

func positiveFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	return v, true
}

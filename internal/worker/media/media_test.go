package media

import (
	"context"
	"image"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInspectImage(t *testing.T) {
	path := writePNG(t, 480, 720)

	props, err := Probe{}.Inspect(context.Background(), path, Image)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if props.Width != 480 || props.Height != 720 || props.FrameRate != 0 {
		t.Errorf("unexpected properties %+v", props)
	}
}

func TestInspectImageNotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.png")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (Probe{}).Inspect(context.Background(), path, Image); err == nil {
		t.Error("expected error for non-image input")
	}
}

func TestInspectVideoMissingFile(t *testing.T) {
	_, err := Probe{FFprobePath: "/nonexistent/ffprobe"}.Inspect(context.Background(), "/nonexistent/in.mp4", Video)
	if err == nil {
		t.Error("expected error for missing video")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"24/1", 24},
		{"30000/1001", 29.97002997},
		{"25", 25},
		{"0/0", 0},
		{"24/0", 0},
		{"", 0},
		{"abc", 0},
		{"inf", 0},
		{"NaN", 0},
		{"inf/1", 0},
		{"24/inf", 0},
		{"1e308/1e-308", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseFrameRate(tt.in); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("parseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseProbeOutput(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    Properties
		wantErr bool
	}{
		{
			name: "avg rate",
			out:  `{"streams":[{"width":1920,"height":1080,"avg_frame_rate":"24/1","r_frame_rate":"24/1"}]}`,
			want: Properties{Width: 1920, Height: 1080, FrameRate: 24},
		},
		{
			name: "falls back to r_frame_rate",
			out:  `{"streams":[{"width":640,"height":480,"avg_frame_rate":"0/0","r_frame_rate":"30/1"}]}`,
			want: Properties{Width: 640, Height: 480, FrameRate: 30},
		},
		{
			name: "unmeasurable rate",
			out:  `{"streams":[{"width":640,"height":480,"avg_frame_rate":"0/0","r_frame_rate":"0/0"}]}`,
			want: Properties{Width: 640, Height: 480},
		},
		{name: "no stream", out: `{"streams":[]}`, wantErr: true},
		{name: "garbage", out: `ffprobe exploded`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbeOutput([]byte(tt.out))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseProbeOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseProbeOutput() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

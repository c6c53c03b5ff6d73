package assemble

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultCompressedRate = 44100

// FFmpegConcatenator joins compressed audio (mp3, opus, aac...) with the
// ffmpeg concat demuxer. Silence is generated with anullsrc in the same
// codec. Without ffmpeg, segments are byte-concatenated without silence,
// which is valid for mp3 frames only.
type FFmpegConcatenator struct {
	Path   string
	Logger *slog.Logger
}

func (f *FFmpegConcatenator) Ext(format string) string { return format }

func (f *FFmpegConcatenator) binary() (string, bool) {
	if f.Path != "" {
		return f.Path, true
	}
	p, err := exec.LookPath("ffmpeg")
	return p, err == nil
}

func (f *FFmpegConcatenator) Concat(ctx context.Context, segs []Segment, lead, gap time.Duration) ([]byte, error) {
	bin, ok := f.binary()
	if !ok {
		return f.byteConcat(segs)
	}

	dir, err := os.MkdirTemp("", "narrator-concat-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := normalizeFormat(segs[0].Format)
	rate := segs[0].SampleRate
	if rate <= 0 {
		rate = defaultCompressedRate
	}

	var files []string
	silence := map[time.Duration]string{}
	addSilence := func(d time.Duration) error {
		if d <= 0 {
			return nil
		}
		if p, ok := silence[d]; ok {
			files = append(files, p)
			return nil
		}
		p := filepath.Join(dir, fmt.Sprintf("silence_%d.%s", d.Milliseconds(), ext))
		if err := f.generateSilence(ctx, bin, p, d, rate); err != nil {
			return err
		}
		silence[d] = p
		files = append(files, p)
		return nil
	}

	if err := addSilence(lead); err != nil {
		return nil, err
	}
	for i, s := range segs {
		p := filepath.Join(dir, fmt.Sprintf("segment_%05d.%s", i, ext))
		if err := os.WriteFile(p, s.Data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write segment: %w", err)
		}
		files = append(files, p)
		if err := addSilence(gap); err != nil {
			return nil, err
		}
	}

	out := filepath.Join(dir, "combined."+ext)
	if err := concatFiles(ctx, bin, files, out); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

func (f *FFmpegConcatenator) byteConcat(segs []Segment) ([]byte, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("ffmpeg not found, concatenating audio bytes without silence",
		"format", segs[0].Format, "segments", len(segs))

	var buf bytes.Buffer
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes(), nil
}

func (f *FFmpegConcatenator) generateSilence(ctx context.Context, bin, path string, d time.Duration, rate int) error {
	cmd := exec.CommandContext(ctx, bin,
		"-f", "lavfi",
		"-i", "anullsrc=r="+strconv.Itoa(rate)+":cl=mono",
		"-t", strconv.FormatFloat(d.Seconds(), 'f', 3, 64),
		"-y",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg silence failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// concatFiles runs the concat demuxer over files without re-encoding.
func concatFiles(ctx context.Context, bin string, files []string, out string) error {
	listPath := out + ".txt"
	lines := make([]string, len(files))
	for i, p := range files {
		lines[i] = fmt.Sprintf("file '%s'", strings.ReplaceAll(p, "'", "'\\''"))
	}
	if err := os.WriteFile(listPath, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin,
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

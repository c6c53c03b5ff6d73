package assemble

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Segment is one chunk's stored audio.
type Segment struct {
	ChunkID    string
	Data       []byte
	Format     string
	SampleRate int
}

// Concatenator joins segments in order, with lead silence before the
// first segment and gap silence after each one.
type Concatenator interface {
	Concat(ctx context.Context, segs []Segment, lead, gap time.Duration) ([]byte, error)
	// Ext is the output file extension for input format.
	Ext(format string) string
}

const pcmBitDepth = 16

// pcmLayout is the sample layout every segment must share.
type pcmLayout struct {
	rate     int
	channels int
	depth    int
}

func (l pcmLayout) silence(d time.Duration) []int {
	if d <= 0 {
		return nil
	}
	frames := int(int64(l.rate) * int64(d) / int64(time.Second))
	return make([]int, frames*l.channels)
}

func (l pcmLayout) matches(o pcmLayout) bool {
	return l == o
}

// joinSamples lays out lead, then each segment followed by gap.
func joinSamples(layout pcmLayout, parts [][]int, lead, gap time.Duration) []int {
	leadS, gapS := layout.silence(lead), layout.silence(gap)
	n := len(leadS)
	for _, p := range parts {
		n += len(p) + len(gapS)
	}
	out := make([]int, 0, n)
	out = append(out, leadS...)
	for _, p := range parts {
		out = append(out, p...)
		out = append(out, gapS...)
	}
	return out
}

func encodeWAV(layout pcmLayout, samples []int) ([]byte, error) {
	var buf bytes.Buffer
	sw := &seekBuffer{buf: &buf}
	enc := wav.NewEncoder(sw, layout.rate, layout.depth, layout.channels, 1)
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: layout.channels, SampleRate: layout.rate},
		Data:           samples,
		SourceBitDepth: layout.depth,
	}
	if err := enc.Write(ib); err != nil {
		return nil, fmt.Errorf("failed to write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to close wav encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// wavConcatenator decodes WAV segments and re-encodes one file.
type wavConcatenator struct{}

func (wavConcatenator) Ext(string) string { return "wav" }

func (wavConcatenator) Concat(ctx context.Context, segs []Segment, lead, gap time.Duration) ([]byte, error) {
	var layout pcmLayout
	parts := make([][]int, 0, len(segs))
	for i, s := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dec := wav.NewDecoder(bytes.NewReader(s.Data))
		if !dec.IsValidFile() {
			return nil, fmt.Errorf("chunk %s is not a valid wav file", s.ChunkID)
		}
		buf, err := dec.FullPCMBuffer()
		if err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", s.ChunkID, err)
		}
		l := pcmLayout{rate: int(dec.SampleRate), channels: int(dec.NumChans), depth: int(dec.BitDepth)}
		if i == 0 {
			layout = l
		} else if !layout.matches(l) {
			return nil, fmt.Errorf("chunk %s has %d Hz/%d ch/%d bit, expected %d Hz/%d ch/%d bit",
				s.ChunkID, l.rate, l.channels, l.depth, layout.rate, layout.channels, layout.depth)
		}
		parts = append(parts, buf.Data)
	}
	return encodeWAV(layout, joinSamples(layout, parts, lead, gap))
}

// pcmConcatenator joins raw 16-bit little-endian mono PCM and wraps the
// result in a WAV container.
type pcmConcatenator struct{}

func (pcmConcatenator) Ext(string) string { return "wav" }

func (pcmConcatenator) Concat(ctx context.Context, segs []Segment, lead, gap time.Duration) ([]byte, error) {
	layout := pcmLayout{rate: segs[0].SampleRate, channels: 1, depth: pcmBitDepth}
	if layout.rate <= 0 {
		return nil, fmt.Errorf("chunk %s has no sample rate", segs[0].ChunkID)
	}
	parts := make([][]int, 0, len(segs))
	for _, s := range segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.SampleRate != layout.rate {
			return nil, fmt.Errorf("chunk %s has sample rate %d, expected %d", s.ChunkID, s.SampleRate, layout.rate)
		}
		samples, err := pcmSamples(s.Data)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", s.ChunkID, err)
		}
		parts = append(parts, samples)
	}
	return encodeWAV(layout, joinSamples(layout, parts, lead, gap))
}

func pcmSamples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}

// seekBuffer lets the wav encoder patch its header in memory.
type seekBuffer struct {
	buf *bytes.Buffer
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if s.pos == s.buf.Len() {
		n, err := s.buf.Write(p)
		s.pos += n
		return n, err
	}
	data := s.buf.Bytes()
	n := copy(data[s.pos:], p)
	if n < len(p) {
		s.buf.Write(p[n:])
	}
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int
	switch whence {
	case io.SeekStart:
		pos = int(offset)
	case io.SeekCurrent:
		pos = s.pos + int(offset)
	case io.SeekEnd:
		pos = s.buf.Len() + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 || pos > s.buf.Len() {
		return 0, fmt.Errorf("seek out of range: %d", pos)
	}
	s.pos = pos
	return int64(pos), nil
}

package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when a stream is not a PCM WAV file.
var ErrNotWAV = errors.New("audio: not a PCM wav file")

const wavFormatPCM = 1

// WAVWriter streams samples into a RIFF/WAVE container. The header sizes
// are patched on Close, so the destination must be seekable.
type WAVWriter struct {
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	samples int
}

func NewWAVWriter(ws io.WriteSeeker, f Format) *WAVWriter {
	if f.Channels == 0 {
		f.Channels = 1
	}
	if f.BitDepth == 0 {
		f.BitDepth = 16
	}
	return &WAVWriter{
		enc: wav.NewEncoder(ws, f.SampleRate, f.BitDepth, f.Channels, wavFormatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			SourceBitDepth: f.BitDepth,
		},
	}
}

// Write appends interleaved samples.
func (w *WAVWriter) Write(s []int16) error {
	if len(s) == 0 {
		return nil
	}
	if cap(w.buf.Data) < len(s) {
		w.buf.Data = make([]int, len(s))
	}
	w.buf.Data = w.buf.Data[:len(s)]
	for i, v := range s {
		w.buf.Data[i] = int(v)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("wav write: %w", err)
	}
	w.samples += len(s)
	return nil
}

// WritePCM appends raw s16le bytes.
func (w *WAVWriter) WritePCM(p []byte) error {
	s := make([]int16, len(p)/2)
	DecodePCM(s, p)
	return w.Write(s)
}

// Samples written so far.
func (w *WAVWriter) Samples() int { return w.samples }

// Close finalises the header. It does not close the underlying writer.
func (w *WAVWriter) Close() error { return w.enc.Close() }

// WriteWAV writes a complete file in one call.
func WriteWAV(ws io.WriteSeeker, f Format, s []int16) error {
	w := NewWAVWriter(ws, f)
	if err := w.Write(s); err != nil {
		return err
	}
	return w.Close()
}

// ReadWAV decodes a complete 16-bit PCM WAV file.
func ReadWAV(rs io.ReadSeeker) (Format, []int16, error) {
	d := wav.NewDecoder(rs)
	if !d.IsValidFile() {
		return Format{}, nil, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("wav read: %w", err)
	}
	if d.BitDepth != 16 {
		return Format{}, nil, fmt.Errorf("%w: %d-bit", ErrNotWAV, d.BitDepth)
	}
	f := Format{SampleRate: int(d.SampleRate), Channels: int(d.NumChans), BitDepth: int(d.BitDepth)}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return f, out, nil
}

// PCMFromWAV returns the raw s16le payload of a WAV file.
func PCMFromWAV(rs io.ReadSeeker) (Format, []byte, error) {
	f, s, err := ReadWAV(rs)
	if err != nil {
		return Format{}, nil, err
	}
	return f, EncodePCM(s), nil
}

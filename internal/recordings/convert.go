package recordings

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"audiocode-go/audio"
)

// DefaultFormat is what the recorder firmware uploads: mono s16le at 16 kHz.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1, BitDepth: 16}

// WAVPath maps a.pcm to a.wav.
func WAVPath(pcmPath string) string {
	return strings.TrimSuffix(pcmPath, path.Ext(pcmPath)) + WAVExt
}

// ConvertFile wraps the raw PCM at pcmPath in a WAV container next to it.
// A trailing odd byte is dropped.
func ConvertFile(fs afero.Fs, pcmPath string, f audio.Format) (string, error) {
	data, err := afero.ReadFile(fs, pcmPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", pcmPath, err)
	}
	wavPath := WAVPath(pcmPath)
	out, err := fs.Create(wavPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", wavPath, err)
	}
	w := audio.NewWAVWriter(out, f)
	if err := w.WritePCM(data[:len(data)&^1]); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return "", err
	}
	return wavPath, out.Close()
}

// FindPCM lists dir/*.pcm in lexical order. dir may be absolute.
func FindPCM(fs afero.Fs, dir string) ([]string, error) {
	dir = path.Clean(dir)
	names, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(fs, dir)), "*"+PCMExt)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}
	sort.Strings(names)
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = path.Join(dir, n)
	}
	return out, nil
}

// ConvertAll converts every PCM file in dir and reports each on w as
// "Converted: a.pcm -> a.wav".
func ConvertAll(fs afero.Fs, dir string, f audio.Format, w io.Writer) (int, error) {
	files, err := FindPCM(fs, dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range files {
		wavPath, err := ConvertFile(fs, p, f)
		if err != nil {
			return n, err
		}
		n++
		if w != nil {
			fmt.Fprintf(w, "Converted: %s -> %s\n", p, wavPath)
		}
	}
	return n, nil
}

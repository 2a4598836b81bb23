package transcribe

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/spf13/afero"

	"audiocode-go/audio"
	"audiocode-go/internal/recordings"
)

const TextExt = ".txt"

var ErrUnsupportedFormat = errors.New("transcribe: unsupported audio format")

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}

var mimeTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mp3",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".aac":  "audio/aac",
	".aiff": "audio/aiff",
}

// TextPath maps dir/a.wav to outDir/a.txt, or dir/a.txt when outDir is empty.
func TextPath(audioPath, outDir string) string {
	base := strings.TrimSuffix(path.Base(audioPath), path.Ext(audioPath)) + TextExt
	if outDir == "" {
		return path.Join(path.Dir(audioPath), base)
	}
	return path.Join(outDir, base)
}

// File transcribes the recording at audioPath and writes the transcript to
// TextPath(audioPath, outDir). Raw .pcm uploads are first wrapped in a WAV
// next to them using f.
func File(ctx context.Context, fs afero.Fs, t Transcriber, audioPath, outDir string, f audio.Format) (string, error) {
	src := audioPath
	ext := strings.ToLower(path.Ext(src))
	if ext == recordings.PCMExt {
		wavPath, err := recordings.ConvertFile(fs, src, f)
		if err != nil {
			return "", err
		}
		src, ext = wavPath, recordings.WAVExt
	}
	mime, ok := mimeTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, audioPath)
	}
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	text, err := t.Transcribe(ctx, data, mime)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", audioPath, err)
	}
	out := TextPath(audioPath, outDir)
	if err := fs.MkdirAll(path.Dir(out), 0o755); err != nil {
		return "", err
	}
	if err := afero.WriteFile(fs, out, []byte(text+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", out, err)
	}
	return out, nil
}

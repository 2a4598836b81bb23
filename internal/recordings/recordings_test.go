package recordings

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audiocode-go/audio"
)

func fixedClock() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.Local) }

func TestStore_SaveNamesAndSuffixes(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStore(fs, "recordings", WithClock(fixedClock))
	require.NoError(t, err)

	p1, err := s.Save([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, "recordings/recording_20250304_050607.pcm", p1)

	p2, err := s.Save([]byte{5, 6})
	require.NoError(t, err)
	assert.Equal(t, "recordings/recording_20250304_050607_1.pcm", p2)

	got, err := afero.ReadFile(fs, p1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, err = s.Save(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestConvertFile_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	samples := []int16{0, 1000, -1000, 32767, -32768}
	pcm := append(audio.EncodePCM(samples), 0x7F) // odd trailing byte
	require.NoError(t, afero.WriteFile(fs, "rec/a.pcm", pcm, 0o644))

	wavPath, err := ConvertFile(fs, "rec/a.pcm", DefaultFormat)
	require.NoError(t, err)
	assert.Equal(t, "rec/a.wav", wavPath)

	f, err := fs.Open(wavPath)
	require.NoError(t, err)
	defer f.Close()
	format, got, err := audio.ReadWAV(f)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, format)
	assert.Equal(t, samples, got)

	info, err := fs.Stat(wavPath)
	require.NoError(t, err)
	assert.EqualValues(t, 44+2*len(samples), info.Size())
}

func TestConvertAll_PrintsEachFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, n := range []string{"b.pcm", "a.pcm", "notes.txt"} {
		require.NoError(t, afero.WriteFile(fs, "recordings/"+n, []byte{1, 0, 2, 0}, 0o644))
	}

	var out bytes.Buffer
	n, err := ConvertAll(fs, "recordings", audio.Format{SampleRate: 8000, Channels: 2, BitDepth: 16}, &out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t,
		"Converted: recordings/a.pcm -> recordings/a.wav\nConverted: recordings/b.pcm -> recordings/b.wav\n",
		out.String())

	ok, _ := afero.Exists(fs, "recordings/notes.wav")
	assert.False(t, ok)
}

func TestFindPCM_EmptyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("recordings", 0o755))
	files, err := FindPCM(fs, "recordings")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestWatch_ConvertsNewFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	converted := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, WatchOptions{
			Settle:      20 * time.Millisecond,
			OnConverted: func(_, wavPath string) { converted <- wavPath },
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	pcmPath := filepath.Join(dir, "recording_1.pcm")
	require.NoError(t, os.WriteFile(pcmPath, audio.EncodePCM([]int16{1, 2, 3}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x"), 0o644))

	select {
	case got := <-converted:
		assert.Equal(t, filepath.ToSlash(filepath.Join(dir, "recording_1.wav")), got)
	case <-time.After(3 * time.Second):
		t.Fatal("no conversion")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

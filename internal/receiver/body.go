package receiver

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var errTooLarge = errors.New("body exceeds limit")

// zstdDec is shared; DecodeAll is safe for concurrent use.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(64<<20),
	)
	if err != nil {
		panic("receiver: init zstd decoder: " + err.Error())
	}
}

// readBody reads and decompresses a request body according to its
// Content-Encoding. Decoded output above maxBytes yields errTooLarge.
func readBody(body io.Reader, contentEncoding string, maxBytes int64) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch contentEncoding {
	case "zstd":
		compressed, rerr := io.ReadAll(io.LimitReader(body, maxBytes+1))
		if rerr != nil {
			return nil, fmt.Errorf("read compressed body: %w", rerr)
		}
		if int64(len(compressed)) > maxBytes {
			return nil, errTooLarge
		}
		out, err = zstdDec.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd body: %w", err)
		}
	case "gzip":
		gz, gerr := gzip.NewReader(body)
		if gerr != nil {
			return nil, fmt.Errorf("open gzip reader: %w", gerr)
		}
		defer func() { _ = gz.Close() }()
		out, err = io.ReadAll(io.LimitReader(gz, maxBytes+1))
	case "", "identity":
		out, err = io.ReadAll(io.LimitReader(body, maxBytes+1))
	default:
		return nil, fmt.Errorf("unsupported Content-Encoding: %q", contentEncoding)
	}
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxBytes {
		return nil, errTooLarge
	}
	return out, nil
}

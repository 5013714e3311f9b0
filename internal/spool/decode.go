package spool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"trino-arrow-gateway/internal/domain"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// NewDecodingReader wraps a raw segment payload according to the spool
// encoding. Under json+zstd the payload is only decompressed when it starts
// with the zstd frame magic, so uncompressed segments still decode.
func NewDecodingReader(r io.Reader, encoding string) (io.ReadCloser, error) {
	if !domain.SupportedEncoding(encoding) {
		return nil, &domain.UnsupportedEncodingError{Encoding: encoding}
	}
	if !domain.IsZstdEncoding(encoding) {
		return io.NopCloser(r), nil
	}

	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("peek segment header: %w", err)
	}
	if !bytes.Equal(head, zstdMagic) {
		return io.NopCloser(br), nil
	}

	dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// FlagCompressed marks a payload whose body is zlib-deflated.
const FlagCompressed byte = 0x02

// maxInflated bounds decompressed payloads.
const maxInflated = 32 << 20

var errEmptyPayload = errors.New("codec: empty payload")

// PackPayload prefixes data with its flags byte, compressing it when asked.
func PackPayload(data []byte, compress bool) ([]byte, error) {
	if !compress {
		out := make([]byte, 1+len(data))
		copy(out[1:], data)
		return out, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(FlagCompressed)
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackPayload strips the flags byte and inflates the body if needed.
func UnpackPayload(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errEmptyPayload
	}
	flags, body := b[0], b[1:]
	if flags&FlagCompressed == 0 {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("codec: inflate: %w", err)
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("codec: inflated payload exceeds %d bytes", maxInflated)
	}
	return out, nil
}

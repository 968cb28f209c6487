package railbird

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// CompressedFrameMarker prefixes binary websocket messages whose remainder
// is a gzip stream of the UTF-8 JSON frame.
const CompressedFrameMarker byte = 0x01

// EncodeFrame marshals a frame to its wire JSON.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// CompressFrame gzips an encoded frame and prepends the marker byte.
// level follows gzip.NewWriterLevel semantics.
func CompressFrame(encoded []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(CompressedFrameMarker)
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", level, err)
	}
	if _, err := zw.Write(encoded); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a websocket message into a Frame, transparently
// inflating compressed binary messages.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	if data[0] == CompressedFrameMarker {
		zr, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

// DecodeBatch unpacks a batch frame into its member frames.
func DecodeBatch(f *Frame) ([]Frame, error) {
	if f.Type != TypeBatch {
		return nil, fmt.Errorf("not a batch frame: %s", f.Type)
	}
	var batch BatchPayload
	if err := f.DecodePayload(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch payload: %w", err)
	}
	return batch.Messages, nil
}

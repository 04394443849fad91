// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/mqttengine/storage"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects how stored values are compressed.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

// ParseCompression maps a configuration string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// Payloads below this size are stored uncompressed.
const minCompressSize = 256

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// encode serializes a message as a one-byte compression tag followed by the
// (possibly compressed) JSON document.
func encode(msg *storage.Message, ct Compression) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retained message: %w", err)
	}

	if len(data) < minCompressSize {
		ct = CompressionNone
	}

	switch ct {
	case CompressionS2:
		data = s2.Encode(nil, data)
	case CompressionZstd:
		data = zstdEncoder.EncodeAll(data, nil)
	}

	return append([]byte{byte(ct)}, data...), nil
}

func decode(val []byte) (*storage.Message, error) {
	if len(val) == 0 {
		return nil, storage.ErrCorrupt
	}

	data := val[1:]
	var err error
	switch Compression(val[0]) {
	case CompressionNone:
	case CompressionS2:
		data, err = s2.Decode(nil, data)
	case CompressionZstd:
		data, err = zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", storage.ErrCorrupt, val[0])
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}

	var msg storage.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}
	return &msg, nil
}

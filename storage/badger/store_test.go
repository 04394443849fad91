// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"testing"

	"github.com/absmach/mqttengine/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, dir string, ct Compression) *Store {
	t.Helper()
	s, err := New(Config{Dir: dir, Compression: ct})
	require.NoError(t, err)
	return s
}

func TestStoreSaveReplacesSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, t.TempDir(), CompressionNone)
	defer s.Close()

	err := s.Save(ctx, []*storage.Message{
		{Topic: "a", Payload: []byte("1"), Retain: true},
		{Topic: "b", Payload: []byte("2"), QoS: 1, Retain: true},
	})
	require.NoError(t, err)

	err = s.Save(ctx, []*storage.Message{
		{Topic: "b", Payload: []byte("3"), QoS: 2, Retain: true},
	})
	require.NoError(t, err)

	msgs, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "b", msgs[0].Topic)
	assert.Equal(t, []byte("3"), msgs[0].Payload)
	assert.Equal(t, byte(2), msgs[0].QoS)
}

func TestStoreSurvivesReopen(t *testing.T) {
	for _, ct := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		dir := t.TempDir()
		ctx := context.Background()
		big := bytes.Repeat([]byte("payload-"), 200)

		s := newTestStore(t, dir, ct)
		require.NoError(t, s.Save(ctx, []*storage.Message{
			{Topic: "sensors/1", Payload: big, QoS: 1, Retain: true},
		}))
		require.NoError(t, s.Close())

		s = newTestStore(t, dir, ct)
		msgs, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, big, msgs[0].Payload)
		require.NoError(t, s.Close())
	}
}

func TestStoreClosed(t *testing.T) {
	s := newTestStore(t, t.TempDir(), CompressionNone)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Save(context.Background(), nil), storage.ErrClosed)
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{"": CompressionNone, "none": CompressionNone, "s2": CompressionS2, "zstd": CompressionZstd}
	for in, want := range cases {
		got, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := decode(nil)
	assert.ErrorIs(t, err, storage.ErrCorrupt)

	_, err = decode([]byte{9, 'x'})
	assert.ErrorIs(t, err, storage.ErrCorrupt)

	_, err = decode([]byte{byte(CompressionNone), '{'})
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

package recorder

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayed struct {
	header  Header
	payload string
}

func replay(t *testing.T, dir string) []replayed {
	t.Helper()
	var result []replayed
	require.NoError(t, ReadDir(dir, defaultFilePrefix, ReaderOptions{}, func(h Header, p []byte) error {
		result = append(result, replayed{header: h, payload: string(p)})
		return nil
	}))
	return result
}

func newWriter(t *testing.T, cfg Config) *Writer {
	t.Helper()
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, DefaultConfig(dir))

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Append(Header{Kind: 2, Version: 1, Seq: uint64(i), Time: int64(i * 10)}, []byte(fmt.Sprintf("payload-%d", i))))
	}
	require.NoError(t, w.Append(Header{Kind: 3, Seq: 4}, nil))

	got := replay(t, dir)
	require.Len(t, got, 4)
	assert.Equal(t, Header{Kind: 2, Version: 1, Seq: 1, Time: 10}, got[0].header)
	assert.Equal(t, "payload-3", got[2].payload)
	assert.Empty(t, got[3].payload)
}

func TestWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SegmentMaxBytes = 2 * (recordHeaderSize + 8 + recordChecksumSize)
	w := newWriter(t, cfg)

	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Append(Header{Seq: uint64(i)}, []byte("12345678")))
	}

	segments, err := Segments(dir, defaultFilePrefix)
	require.NoError(t, err)
	assert.Len(t, segments, 3)

	got := replay(t, dir)
	require.Len(t, got, 5)
	for i, r := range got {
		assert.Equal(t, uint64(i+1), r.header.Seq)
	}
}

func TestWriterContinuesAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(DefaultConfig(dir))
	require.NoError(t, err)
	require.NoError(t, w.Append(Header{Seq: 1}, []byte("a")))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Append(Header{Seq: 2}, []byte("b")), ErrClosed)

	w = newWriter(t, DefaultConfig(dir))
	require.NoError(t, w.Append(Header{Seq: 2}, []byte("b")))

	segments, err := Segments(dir, defaultFilePrefix)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	got := replay(t, dir)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].payload)
	assert.Equal(t, "b", got[1].payload)
}

func TestReadDirSkipsDamagedTail(t *testing.T) {
	testCases := []struct {
		desc   string
		damage func(t *testing.T, path string)
		want   []uint64
	}{
		{
			desc: "torn frame",
			damage: func(t *testing.T, path string) {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
				require.NoError(t, err)
				_, err = f.Write(recordMagic[:])
				require.NoError(t, err)
				require.NoError(t, f.Close())
			},
			want: []uint64{1, 2, 3},
		},
		{
			desc: "flipped payload byte",
			damage: func(t *testing.T, path string) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data[len(data)-recordChecksumSize-1] ^= 0xff
				require.NoError(t, os.WriteFile(path, data, 0o644))
			},
			want: []uint64{1, 3},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			dir := t.TempDir()
			w, err := NewWriter(DefaultConfig(dir))
			require.NoError(t, err)
			require.NoError(t, w.Append(Header{Seq: 1}, []byte("first")))
			require.NoError(t, w.Append(Header{Seq: 2}, []byte("second")))
			require.NoError(t, w.Close())

			segments, err := Segments(dir, defaultFilePrefix)
			require.NoError(t, err)
			require.Len(t, segments, 1)
			tc.damage(t, segments[0])

			w = newWriter(t, DefaultConfig(dir))
			require.NoError(t, w.Append(Header{Seq: 3}, []byte("third")))

			got := replay(t, dir)
			seqs := make([]uint64, 0, len(got))
			for _, r := range got {
				seqs = append(seqs, r.header.Seq)
			}
			assert.Equal(t, tc.want, seqs)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc   string
		mutate func(c *Config)
		ok     bool
	}{
		{desc: "default", ok: true},
		{desc: "empty dir", mutate: func(c *Config) { c.Dir = "" }},
		{desc: "negative duration", mutate: func(c *Config) { c.SegmentMaxDuration = -1 }},
		{desc: "zero buffer", mutate: func(c *Config) { c.BufferSize = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig("dir")
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

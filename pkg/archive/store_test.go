package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "evidence"))
	require.NoError(t, err)

	data := []byte("evidence pack bytes")
	digest, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Digest(data), digest)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	ok, err := s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, digest))
	require.NoError(t, s.Delete(ctx, digest))

	ok, err = s.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, digest)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(s.baseDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_RejectsBadDigests(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, d := range []string{"", "md5:abcd", "sha256:zz", "sha256:abcd", "sha256:../../etc/passwd"} {
		_, err := s.Get(ctx, d)
		assert.ErrorIs(t, err, ErrInvalidDigest, d)
		_, err = s.Exists(ctx, d)
		assert.ErrorIs(t, err, ErrInvalidDigest, d)
		assert.ErrorIs(t, s.Delete(ctx, d), ErrInvalidDigest, d)
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	pack := []byte("PK\x03\x04 zip")
	sum := sha256.Sum256(pack)

	digest, err := Publish(ctx, s, pack, hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), digest)

	_, err = Publish(ctx, s, pack, "00"+hex.EncodeToString(sum[1:]))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := filepath.Join(t.TempDir(), "packs")
	s, err = New(ctx, Config{Type: TypeFS, Dir: dir})
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.baseDir)

	_, err = New(ctx, Config{Type: TypeS3})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = New(ctx, Config{Type: "azure"})
	assert.ErrorContains(t, err, "unsupported archive type")

	_, err = New(ctx, Config{Type: TypeGCS})
	require.Error(t, err)
}

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *ChunkStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chunks.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndMeta(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("aa"), "video/webm"))
	require.NoError(t, s.Append(ctx, "sess", 1, []byte("bb"), "video/webm"))
	require.NoError(t, s.Append(ctx, "sess", 2, []byte("cc"), "video/webm"))

	meta, err := s.LoadMeta(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Count)
	assert.Equal(t, "video/webm", meta.MimeType)
}

func TestAppendIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("first"), "video/webm"))
	// A redelivered fragment must not overwrite or double-count.
	require.NoError(t, s.Append(ctx, "sess", 0, []byte("duplicate"), "video/webm"))

	artifact, _, err := s.ReconstructFromFragments(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), artifact)

	meta, err := s.LoadMeta(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Count)
}

func TestReconstructStopsAtGap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("aa"), "video/webm"))
	require.NoError(t, s.Append(ctx, "sess", 1, []byte("bb"), "video/webm"))
	// Fragment 2 missing; 3 must not be trusted.
	require.NoError(t, s.Append(ctx, "sess", 3, []byte("dd"), "video/webm"))

	artifact, _, err := s.ReconstructFromFragments(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("aabb"), artifact)
}

func TestReconstructRequiresFragmentZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 1, []byte("bb"), "video/webm"))

	_, _, err := s.ReconstructFromFragments(ctx, "sess")
	assert.ErrorIs(t, err, ErrNoRecordingFound)
}

func TestLoadArtifactPrefersFinal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("fragment"), "video/webm"))
	require.NoError(t, s.SaveFinal(ctx, "sess", []byte("final"), "video/webm"))

	artifact, mimeType, err := s.LoadArtifact(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("final"), artifact)
	assert.Equal(t, "video/webm", mimeType)
}

func TestLoadArtifactFallsBackToFragments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("aa"), "video/webm"))
	require.NoError(t, s.Append(ctx, "sess", 1, []byte("bb"), "video/webm"))

	artifact, _, err := s.LoadArtifact(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []byte("aabb"), artifact)
}

func TestLoadArtifactEmpty(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.LoadArtifact(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoRecordingFound)
}

func TestPurge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess", 0, []byte("aa"), "video/webm"))
	require.NoError(t, s.SaveFinal(ctx, "sess", []byte("final"), "video/webm"))
	require.NoError(t, s.Append(ctx, "other", 0, []byte("keep"), "video/webm"))

	require.NoError(t, s.Purge(ctx, "sess"))

	_, _, err := s.LoadArtifact(ctx, "sess")
	assert.ErrorIs(t, err, ErrNoRecordingFound)

	artifact, _, err := s.LoadArtifact(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), artifact)
}

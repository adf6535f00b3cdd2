package statestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/ctrmux/internal/model"
)

func writeRecord(t *testing.T, dir string, rec model.LaunchRecord) {
	t.Helper()
	data, err := json.MarshalIndent(rec, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, rec.ID+".json"), data, 0o644))
}

func TestResolvePrefersExactIDThenNameThenPrefix(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, model.LaunchRecord{ID: "abc123def456", Name: "web", Image: "nginx"})
	writeRecord(t, dir, model.LaunchRecord{ID: "abd999000111", Name: "abc123def456x", Image: "redis"})
	writeRecord(t, dir, model.LaunchRecord{ID: "ffff00001111", Name: "abc", Image: "alpine"})
	s := New(dir, nil)

	rec, err := s.Resolve("abc123def456")
	require.NoError(t, err)
	assert.Equal(t, "nginx", rec.Image)

	rec, err = s.Resolve("web")
	require.NoError(t, err)
	assert.Equal(t, "abc123def456", rec.ID)

	// "abc" is both a name and an id prefix; the name wins.
	rec, err = s.Resolve("abc")
	require.NoError(t, err)
	assert.Equal(t, "ffff00001111", rec.ID)

	rec, err = s.Resolve("abd")
	require.NoError(t, err)
	assert.Equal(t, "redis", rec.Image)
}

func TestResolveAmbiguousPrefixIsRejected(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, model.LaunchRecord{ID: "aa11", Image: "a"})
	writeRecord(t, dir, model.LaunchRecord{ID: "aa22", Image: "b"})
	s := New(dir, nil)

	_, err := s.Resolve("aa")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAmbiguousState), "got %v", err)
}

func TestResolveMissing(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "absent"), nil)
	_, err := s.Resolve("c1")
	assert.ErrorIs(t, err, model.ErrStateNotFound)
}

func TestListSkipsMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, model.LaunchRecord{ID: "b2", Image: "busybox"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a1.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	recs, err := New(dir, nil).List()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b2", recs[0].ID)
}

func TestLoadRejectsPathTraversal(t *testing.T) {
	_, err := New(t.TempDir(), nil).Load("../etc/passwd")
	assert.ErrorIs(t, err, model.ErrStateNotFound)
}

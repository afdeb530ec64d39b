package kv

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreMissingSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "1.json"), discardLogger())
	require.NoError(t, err)
	require.Empty(t, s.Keys())
}

func TestStoreMalformedSnapshotStartsEmptyNotCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewStore(path, discardLogger())
	require.NoError(t, err)
	require.Empty(t, s.Keys())
}

func TestStoreEmptyFileStartsEmptyNotCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.json")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	s, err := NewStore(path, discardLogger())
	require.NoError(t, err)
	require.Empty(t, s.Keys())
}

func TestStorePutRecordPersistsBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.json")
	s, err := NewStore(path, discardLogger())
	require.NoError(t, err)

	require.NoError(t, s.PutRecord("k", Record{Value: jsonStr("v"), Version: 1}))

	reloaded, err := NewStore(path, discardLogger())
	require.NoError(t, err)
	rec, ok := reloaded.Get("k")
	require.True(t, ok)
	require.Equal(t, jsonStr("v"), rec.Value)
	require.EqualValues(t, 1, rec.Version)
}

func TestStoreKeysIncludesTombstones(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "1.json"), discardLogger())
	require.NoError(t, err)

	require.NoError(t, s.PutRecord("live", Record{Value: jsonStr("v"), Version: 1}))
	require.NoError(t, s.PutRecord("gone", Record{Version: 1, Deleted: true}))

	keys := s.Keys()
	require.ElementsMatch(t, []string{"live", "gone"}, keys)
}

func TestStoreAllReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "1.json"), discardLogger())
	require.NoError(t, err)
	require.NoError(t, s.PutRecord("k", Record{Value: jsonStr("v"), Version: 1}))

	all := s.All()
	all["k"] = Record{Value: jsonStr("mutated"), Version: 99}

	rec, ok := s.Get("k")
	require.True(t, ok)
	require.EqualValues(t, 1, rec.Version, "mutating the snapshot returned by All must not affect the store")
}

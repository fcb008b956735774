package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutJSON("rate:peer-a:vouch", counter{N: 3}))

	var got counter
	ok, err := s.GetJSON("rate:peer-a:vouch", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, got.N)
}

func TestGetMissingKeyReturnsFalseNotError(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer s.Close()

	var got counter
	ok, err := s.GetJSON("missing", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIteratePrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutJSON("rate:a:vouch", counter{N: 1}))
	require.NoError(t, s.PutJSON("rate:b:vouch", counter{N: 2}))
	require.NoError(t, s.PutJSON("other:c", counter{N: 3}))

	seen := 0
	err = s.IteratePrefix("rate:", func(key string, value []byte) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
}

package membership

import (
	"testing"

	"github.com/lightning-goats/cl-hive-sub002/store/kv"
	"github.com/stretchr/testify/require"
)

func mustOpenKV(t *testing.T, path string) *kv.Store {
	t.Helper()
	s, err := kv.Open(path)
	require.NoError(t, err)
	return s
}

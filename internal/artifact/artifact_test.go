package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fulfillment/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "uploads/tokens/")
	require.NoError(t, err)

	ref, err := s.Put(context.Background(), "token_1-2-3-red-M-1.png", []byte("png"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "uploads/tokens/token_1-2-3-red-M-1.png", ref)

	data, err := os.ReadFile(filepath.Join(dir, "token_1-2-3-red-M-1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	// overwrite is allowed: rendering is a pure function of the identity
	_, err = s.Put(context.Background(), "token_1-2-3-red-M-1.png", []byte("png2"), "image/png")
	require.NoError(t, err)
}

func TestLocalStoreRejectsPaths(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "../escape.png", []byte("x"), "")
	assert.Error(t, err)
}

func TestNewPicksBackend(t *testing.T) {
	s, err := New(context.Background(), config.TokenConfig{Backend: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)

	_, err = New(context.Background(), config.TokenConfig{Backend: "ftp"})
	assert.Error(t, err)
}

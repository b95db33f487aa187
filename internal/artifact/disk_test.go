package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore_StoreAndResolve(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://localhost:8080/receipts/")
	require.NoError(t, err)

	ref, err := s.Store("my receipt.JPG", strings.NewReader("image-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".jpg"), "extension kept lowercased, got %s", ref)
	assert.NotContains(t, ref, " ", "ref must be server-generated, not the client filename")

	data, err := os.ReadFile(filepath.Join(dir, ref))
	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(data))

	assert.Equal(t, "http://localhost:8080/receipts/"+ref, s.Resolve(ref))
}

func TestDiskStore_IgnoresHostileFilename(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "http://x")
	require.NoError(t, err)

	ref, err := s.Store("../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)

	// Everything lands inside the store directory under a generated name.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ref, entries[0].Name())
}

func TestNewDiskStore_RequiresDir(t *testing.T) {
	_, err := NewDiskStore("", "http://x")
	assert.Error(t, err)
}

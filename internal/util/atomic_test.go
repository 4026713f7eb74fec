package util

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":1}`), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	// No temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "metadata.json", entries[0].Name())
}

func TestWriteFileAtomic_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent", "file.json")
	assert.Error(t, WriteFileAtomic(path, []byte("x"), 0o644))
}

func TestWriteReaderAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.png")
	n, err := WriteReaderAtomic(path, bytes.NewReader([]byte("pixels")), 0o600)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(6), info.Size())
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "candidate.png")
	dst := filepath.Join(dir, "A-014.png")
	require.NoError(t, os.WriteFile(src, []byte("X"), 0o644))

	require.NoError(t, MoveFile(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "X", string(data))
}

func TestMoveFile_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := MoveFile(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	assert.Error(t, err)
}

func TestIsTempFile(t *testing.T) {
	assert.True(t, IsTempFile("/cache/images/.tmp-abc.png-123"))
	assert.False(t, IsTempFile("/cache/images/abc.png"))
}

func TestSHA256(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("hello world"), 0o644))

	ha, err := SHA256File(a)
	require.NoError(t, err)
	hb, err := SHA256File(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", ha)
	assert.Equal(t, ha, SHA256Bytes([]byte("hello world")))

	_, err = SHA256File(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}

func TestWriteContentAddressed(t *testing.T) {
	dir := t.TempDir()

	name, hash, size, err := WriteContentAddressed(dir, bytes.NewReader([]byte("hello world")), ".png")
	require.NoError(t, err)
	assert.Equal(t, SHA256Bytes([]byte("hello world")), hash)
	assert.Equal(t, hash+".png", name)
	assert.Equal(t, int64(11), size)

	// Same content lands on the same name
	again, _, _, err := WriteContentAddressed(dir, bytes.NewReader([]byte("hello world")), ".png")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

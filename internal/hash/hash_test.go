package hash

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestOf(t *testing.T) {
	d, err := Of(strings.NewReader("hello"))
	require.NoError(t, err)

	assert.Equal(t, int64(5), d.Size)
	assert.Equal(t, helloSHA, d.SHA256)
	assert.Equal(t, crc32.Checksum([]byte("hello"), crc32.MakeTable(crc32.Castagnoli)), d.CRC32C)
}

func TestOpenRewinds(t *testing.T) {
	p := filepath.Join(t.TempDir(), "photo.jpeg")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))

	src, err := Open(p)
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, int64(5), src.Size)
	body, err := io.ReadAll(src.File)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTag(t *testing.T) {
	md := map[string]string{"owner_report_id": "r1"}
	Digest{SHA256: helloSHA}.Tag(md)
	assert.Equal(t, map[string]string{"owner_report_id": "r1", MetadataKey: helloSHA}, md)
}

// Package hash digests local files before they are uploaded.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// MetadataKey is the object metadata entry carrying the hex SHA-256.
const MetadataKey = "sha256"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Digest struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

// Tag records the digest in object metadata.
func (d Digest) Tag(md map[string]string) {
	md[MetadataKey] = d.SHA256
}

// Of reads r to the end.
func Of(r io.Reader) (Digest, error) {
	sha := sha256.New()
	crc := crc32.New(castagnoli)

	n, err := io.Copy(io.MultiWriter(sha, crc), r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Size: n, SHA256: hex.EncodeToString(sha.Sum(nil)), CRC32C: crc.Sum32()}, nil
}

// Source is a local file ready to be streamed, positioned at offset 0.
type Source struct {
	File *os.File
	Digest
}

// Open digests the file at path and rewinds it for the upload.
func Open(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d, err := Of(f)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("digest %s: %w", path, err)
	}
	return &Source{File: f, Digest: d}, nil
}

func (s *Source) Close() error { return s.File.Close() }

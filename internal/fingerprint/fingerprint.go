// Package fingerprint computes content digests used for duplicate detection.
package fingerprint

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ChunkSize is the read size used when streaming a file through the hash.
const ChunkSize = 64 * 1024

// Prefix tags every digest with its algorithm.
const Prefix = "xxh64:"

// Fingerprint streams the file at path and returns its digest.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return FromReader(f)
}

// FromReader digests everything readable from r in ChunkSize reads.
func FromReader(r io.Reader) (string, error) {
	h := xxhash.New()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}
	return fmt.Sprintf("%s%016x", Prefix, h.Sum64()), nil
}

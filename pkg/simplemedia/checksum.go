package simplemedia

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ChecksumAlgorithm names the digest used for deduplication.
const ChecksumAlgorithm = "sha256"

// ChecksumBytes returns the lowercase hex SHA-256 digest of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ComputeChecksum digests r to EOF and returns the hex digest and the number
// of bytes read.
func ComputeChecksum(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("compute checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Package identity computes content hashes and resolves whether an image already exists in a collection.
package identity

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/hyperjump/mirip/internal/models"
)

// hashChunkSize is the read size used while streaming a file through the digest.
const hashChunkSize = 4096

// ContentHash returns the hex MD5 digest of the file at path, read in fixed-size chunks.
// On read failure it returns "" and a *models.HashingError.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &models.HashingError{Path: path, Err: err}
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", &models.HashingError{Path: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

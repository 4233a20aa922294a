package store

import (
	"io"
	"os"

	"github.com/cespare/xxhash/v2"

	"convlog/internal/model"
)

// FingerprintMode selects how file versions are compared.
type FingerprintMode int

const (
	// FingerprintStat compares size and modification time.
	FingerprintStat FingerprintMode = iota
	// FingerprintHash additionally hashes the content with xxhash64.
	FingerprintHash
)

// ParseFingerprintMode maps the config value to a mode.
func ParseFingerprintMode(value string) FingerprintMode {
	if value == "hash" {
		return FingerprintHash
	}
	return FingerprintStat
}

// Fingerprint computes the fingerprint of path.
func Fingerprint(path string, mode FingerprintMode) (model.Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Fingerprint{}, &model.IOFailure{Path: path, Op: "stat", Err: err}
	}
	fp := model.Fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
	if mode != FingerprintHash {
		return fp, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return model.Fingerprint{}, &model.IOFailure{Path: path, Op: "open", Err: err}
	}
	defer f.Close() //nolint:errcheck

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return model.Fingerprint{}, &model.IOFailure{Path: path, Op: "hash", Err: err}
	}
	fp.Hash = h.Sum64()
	return fp, nil
}

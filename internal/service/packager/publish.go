package packager

import (
	"bytes"
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/pybundle/internal/logger"

	// Ensure SHA512 available for checksum calculation.
	_ "crypto/sha512"
)

const (
	// ArchiveFileMode is applied to the published archive.
	ArchiveFileMode os.FileMode = 0o644

	// ChecksumFunction is used to verify the published archive.
	ChecksumFunction crypto.Hash = crypto.SHA512

	outputDirMode = 0o755
	oldSuffix     = ".old"
)

var errHashUnavailable = errors.New("hash function unavailable")

// publish atomically replaces target with the archive at src after verifying its
// checksum, and returns the hex checksum.
func publish(ctx context.Context, src, target string) (string, error) {
	data, err := os.ReadFile(filepath.Clean(src))
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}

	checksum, err := fileChecksum(data)
	if err != nil {
		return "", err
	}

	if err = os.MkdirAll(filepath.Dir(target), outputDirMode); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	// The updater swaps files by renaming the existing target out of the way.
	placeholder := false
	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(target, nil, ArchiveFileMode); err != nil {
			return "", fmt.Errorf("create %s: %w", target, err)
		}

		placeholder = true
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: ArchiveFileMode,
		Checksum:   checksum,
		Hash:       ChecksumFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		if placeholder {
			_ = os.Remove(target)
		}

		return "", fmt.Errorf("publish %s: %w", target, err)
	}

	logger.DebugKV(ctx, "Archive published", "path", target, "size", len(data))

	oldFileName := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+oldSuffix)
	for _, name := range []string{oldFileName, target + oldSuffix} {
		if _, err = os.Stat(name); err == nil {
			_ = os.Remove(name)
		}
	}

	return hex.EncodeToString(checksum), nil
}

func fileChecksum(data []byte) ([]byte, error) {
	if !ChecksumFunction.Available() {
		return nil, fmt.Errorf("checksum calculation not possible: %w", errHashUnavailable)
	}

	hasher := ChecksumFunction.New()
	if _, err := hasher.Write(data); err != nil {
		return nil, fmt.Errorf("calculate checksum: %w", err)
	}

	return hasher.Sum(nil), nil
}

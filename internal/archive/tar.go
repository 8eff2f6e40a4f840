package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const dirMode fs.FileMode = 0o755

// ErrUnsafePath is returned for members that would be written outside the destination.
var ErrUnsafePath = errors.New("archive member escapes destination")

// Untar extracts a gzip-compressed tarball into dest. Links and special files are skipped.
func Untar(src, dest string) error {
	return walkTar(src, func(header *tar.Header, r io.Reader) error {
		target, err := safeJoin(dest, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, dirMode)
		case tar.TypeReg:
			return writeFile(target, r, header.FileInfo().Mode())
		default:
			return nil
		}
	})
}

// ListTar returns the member names of a gzip-compressed tarball.
func ListTar(src string) ([]string, error) {
	var names []string

	err := walkTar(src, func(header *tar.Header, _ io.Reader) error {
		names = append(names, header.Name)

		return nil
	})

	return names, err
}

func walkTar(src string, visit func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open tarball %s: %w", src, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream %s: %w", src, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read tarball %s: %w", src, err)
		}

		if err = visit(header, tr); err != nil {
			return fmt.Errorf("%s: %w", header.Name, err)
		}
	}
}

// safeJoin resolves a member name under dest, rejecting absolute and parent-relative names.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	return filepath.Join(dest, clean), nil
}

func writeFile(target string, r io.Reader, mode fs.FileMode) (err error) {
	if err = os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return err
	}

	perm := mode.Perm() | 0o600

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(f, r) //nolint:gosec // Artifacts come from the index or local caches.

	return err
}

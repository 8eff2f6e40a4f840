package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/klauspost/compress/zip"
)

// EntryMode is the permission recorded for every archive member.
const EntryMode fs.FileMode = 0o755

// Epoch is the modification time stamped on every archive member; zip cannot encode earlier dates.
var Epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // Constant timestamp.

var errNotRegular = errors.New("archive accepts only regular files")

// ZipArchiver packs a build root into a deterministic zip stream.
type ZipArchiver struct{}

// Write archives every regular file under root, in sorted slash-path order.
func (ZipArchiver) Write(ctx context.Context, root string, w io.Writer) (err error) {
	files, err := listFiles(root)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	defer func() {
		if closeErr := zw.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("finish zip: %w", closeErr)
		}
	}()

	for _, name := range files {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = addFile(zw, root, name); err != nil {
			return err
		}
	}

	return nil
}

// WriteFile archives root into a new file at path.
func (a ZipArchiver) WriteFile(ctx context.Context, root, path string) (err error) {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}

		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return a.Write(ctx, root, f)
}

func listFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if !d.Type().IsRegular() {
			return fmt.Errorf("%w: %s", errNotRegular, p)
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		files = append(files, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk build root: %w", err)
	}

	slices.Sort(files)

	return files, nil
}

func addFile(zw *zip.Writer, root, name string) error {
	header := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: Epoch,
	}
	header.SetMode(EntryMode)

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", name, err)
	}

	f, err := os.Open(filepath.Join(root, filepath.FromSlash(name)))
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err = io.Copy(writer, f); err != nil {
		return fmt.Errorf("write zip entry %s: %w", name, err)
	}

	return nil
}

// Unzip extracts a zip file (wheels included) into dest.
func Unzip(src, dest string) (err error) {
	reader, err := zip.OpenReader(filepath.Clean(src))
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}

	defer func() {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, file := range reader.File {
		target, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err = os.MkdirAll(target, dirMode); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			continue
		}

		if err = extractZipFile(file, target); err != nil {
			return fmt.Errorf("extract %s: %w", file.Name, err)
		}
	}

	return nil
}

func extractZipFile(file *zip.File, target string) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	return writeFile(target, rc, file.Mode())
}

// ListZip returns the member names of a zip file.
func ListZip(src string) ([]string, error) {
	reader, err := zip.OpenReader(filepath.Clean(src))
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", src, err)
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, file := range reader.File {
		names = append(names, file.Name)
	}

	return names, nil
}

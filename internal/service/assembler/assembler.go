package assembler

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/oshokin/pybundle/internal/archive"
	"github.com/oshokin/pybundle/internal/domain/dist"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/service/shim"

	// Ensure SHA512 is available for the tree digest.
	_ "crypto/sha512"
)

const (
	// FileMode is applied to regular files of the build root.
	FileMode fs.FileMode = 0o644
	// ExecutableMode is applied to files that carry any execute bit.
	ExecutableMode fs.FileMode = 0o755
	// DigestFunction hashes the tree listing.
	DigestFunction crypto.Hash = crypto.SHA512

	dirMode fs.FileMode = 0o755
	// ShimOwner labels the generated entry point in collision reports.
	ShimOwner = "<shim>"
)

var (
	errUnsafeDest      = errors.New("destination escapes the build root")
	errHashUnavailable = errors.New("hash function unavailable")
)

// UserPackage is the user's own code, staged ahead of the dependencies.
type UserPackage struct {
	// Name is the normalized user package name.
	Name  string
	Files []dist.StagedFile
}

// File is one file written to the build root.
type File struct {
	Path    string
	Package string
	Mode    fs.FileMode
	// SHA256 is the hex content digest.
	SHA256 string
	user   bool
}

// Tree is an assembled build root.
type Tree struct {
	Root  string
	files map[string]*File
}

// Files returns the written files sorted by path.
func (t *Tree) Files() []File {
	files := make([]File, 0, len(t.files))
	for _, f := range t.files {
		files = append(files, *f)
	}

	slices.SortFunc(files, func(a, b File) int { return strings.Compare(a.Path, b.Path) })

	return files
}

// Len returns the number of files in the tree.
func (t *Tree) Len() int {
	return len(t.files)
}

// Digest returns the hex sha512 over the sorted (path, mode, content hash) listing.
func (t *Tree) Digest() (string, error) {
	if !DigestFunction.Available() {
		return "", errHashUnavailable
	}

	h := DigestFunction.New()

	for _, f := range t.Files() {
		if _, err := fmt.Fprintf(h, "%s\x00%04o\x00%s\n", f.Path, f.Mode, f.SHA256); err != nil {
			return "", fmt.Errorf("digest tree: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Assemble writes the user package, then dependencies, then the shim under root.
// staged must already be sorted; user files shadow dependencies with a warning.
func Assemble(ctx context.Context, root string, staged []dist.StagedFile, user UserPackage, s shim.Shim) (*Tree, error) {
	ctx = logger.WithName(ctx, "assembler")

	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("create build root: %w", err)
	}

	t := &Tree{Root: root, files: make(map[string]*File, len(staged)+len(user.Files)+1)}

	for _, f := range user.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, ok := t.files[f.Dest]; ok {
			continue
		}

		if err := t.copy(f, true); err != nil {
			return nil, err
		}
	}

	for _, f := range staged {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := t.addDependency(ctx, f); err != nil {
			return nil, err
		}
	}

	if existing, ok := t.files[s.Path]; ok {
		return nil, &dist.CollisionError{Path: s.Path, First: existing.Package, Second: ShimOwner}
	}

	if err := t.write(s.Path, ShimOwner, s.Content); err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "build root assembled", "root", root, "files", t.Len())

	return t, nil
}

func (t *Tree) addDependency(ctx context.Context, f dist.StagedFile) error {
	existing, ok := t.files[f.Dest]
	if !ok {
		return t.copy(f, false)
	}

	switch {
	case existing.user:
		logger.WarnKV(ctx, "user package shadows a dependency file", "path", f.Dest, "dependency", f.Package)

		return nil
	case existing.Package == f.Package:
		return nil
	}

	sum, err := hashFile(f.Source)
	if err != nil {
		return err
	}

	if sum == existing.SHA256 {
		logger.DebugKV(ctx, "identical file provided twice", "path", f.Dest, "first", existing.Package, "second", f.Package)

		return nil
	}

	return &dist.CollisionError{Path: f.Dest, First: existing.Package, Second: f.Package}
}

func (t *Tree) copy(f dist.StagedFile, user bool) error {
	target, err := t.target(f.Dest)
	if err != nil {
		return err
	}

	src, err := os.Open(filepath.Clean(f.Source))
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Source, err)
	}
	defer src.Close()

	mode := normalizeMode(f.Mode)

	sum, err := writeFile(target, mode, src)
	if err != nil {
		return err
	}

	t.files[f.Dest] = &File{Path: f.Dest, Package: f.Package, Mode: mode, SHA256: sum, user: user}

	return nil
}

func (t *Tree) write(dest, owner string, content []byte) error {
	target, err := t.target(dest)
	if err != nil {
		return err
	}

	sum, err := writeFile(target, FileMode, bytes.NewReader(content))
	if err != nil {
		return err
	}

	t.files[dest] = &File{Path: dest, Package: owner, Mode: FileMode, SHA256: sum}

	return nil
}

func (t *Tree) target(dest string) (string, error) {
	local := filepath.FromSlash(dest)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", errUnsafeDest, dest)
	}

	return filepath.Join(t.Root, local), nil
}

// writeFile copies r into path with a fixed mode and modification time and returns the content digest.
func writeFile(path string, mode fs.FileMode, r io.Reader) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	h := sha256.New()

	if _, err = io.Copy(io.MultiWriter(out, h), r); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	if err = out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}

	// The umask may have narrowed the mode on create.
	if err = os.Chmod(path, mode); err != nil {
		return "", fmt.Errorf("chmod %s: %w", path, err)
	}

	if err = os.Chtimes(path, archive.Epoch, archive.Epoch); err != nil {
		return "", fmt.Errorf("set times on %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeMode(mode fs.FileMode) fs.FileMode {
	if mode&0o111 != 0 {
		return ExecutableMode
	}

	return FileMode
}

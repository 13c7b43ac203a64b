package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctsync/internal/ctsync"
)

// FileSystemVault stores the archive in a local directory:
//
//	<root>/
//	  snapshots/<checksum>
//	  hosts/<hostID>/<name>
//	  hosts/<hostID>/<name>.version
type FileSystemVault struct {
	name         string
	root         string
	snapshotsDir string
	hostsDir     string
}

// NewFileSystemVault creates the directory layout under root if needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:         name,
		root:         root,
		snapshotsDir: filepath.Join(root, "snapshots"),
		hostsDir:     filepath.Join(root, "hosts"),
	}
	for _, dir := range []string{v.snapshotsDir, v.hostsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
	}
	return v, nil
}

func (v *FileSystemVault) PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error {
	if err := checkName("checksum", checksum); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := filepath.Join(v.snapshotsDir, checksum)

	// Content is addressed by checksum, so an existing file is already correct.
	if _, err := os.Stat(dest); err == nil {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if n != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
		}
		return nil
	}
	return writeAtomic(dest, r, size)
}

func (v *FileSystemVault) GetContent(ctx context.Context, checksum string, w io.Writer) error {
	if err := checkName("checksum", checksum); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(filepath.Join(v.snapshotsDir, checksum), w, "content "+checksum)
}

func (v *FileSystemVault) metadataPath(hostID, name string) (string, error) {
	if err := checkName("host id", hostID); err != nil {
		return "", err
	}
	if err := checkName("metadata name", name); err != nil {
		return "", err
	}
	return filepath.Join(v.hostsDir, hostID, name), nil
}

func (v *FileSystemVault) PutMetadata(ctx context.Context, hostID, name string, r io.Reader, size int64, version int64) error {
	path, err := v.metadataPath(hostID, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating host directory: %w", err)
	}
	if err := writeAtomic(path, r, size); err != nil {
		return err
	}
	marker := strconv.FormatInt(version, 10)
	return writeAtomic(path+".version", strings.NewReader(marker), int64(len(marker)))
}

func (v *FileSystemVault) GetMetadata(ctx context.Context, hostID, name string, w io.Writer) error {
	path, err := v.metadataPath(hostID, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return copyFile(path, w, fmt.Sprintf("metadata %q for host %s", name, hostID))
}

// GetMetadataVersion returns 0 when the item has never been stored.
func (v *FileSystemVault) GetMetadataVersion(ctx context.Context, hostID, name string) (int64, error) {
	path, err := v.metadataPath(hostID, name)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path + ".version")
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the vault directories exist and accept writes.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	for _, dir := range []string{v.root, v.snapshotsDir, v.hostsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	check, err := os.CreateTemp(v.snapshotsDir, ".check-*")
	if err != nil {
		return fmt.Errorf("vault not writable: %w", err)
	}
	check.Close()
	return os.Remove(check.Name())
}

// writeAtomic writes r to dest through a temp file in the same directory.
func writeAtomic(dest string, r io.Reader, size int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, n)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	committed = true
	return nil
}

func copyFile(path string, w io.Writer, what string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	return nil
}

var _ ctsync.Vault = (*FileSystemVault)(nil)

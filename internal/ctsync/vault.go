package ctsync

import (
	"context"
	"io"
)

// Vault is the archive backend for snapshots and state-database copies.
// Operations stream through io.Reader/io.Writer.
type Vault interface {
	// PutContent stores content identified by its checksum.
	// Storing the same checksum twice is safe.
	// size is the number of bytes that will be read from r.
	PutContent(ctx context.Context, checksum string, r io.Reader, size int64) error

	// GetContent retrieves content by checksum and writes it to w.
	GetContent(ctx context.Context, checksum string, w io.Writer) error

	// PutMetadata stores a named metadata item for a host, tagged with version.
	// Known names: "db" (state database copy).
	PutMetadata(ctx context.Context, hostID string, name string, r io.Reader, size int64, version int64) error

	// GetMetadata retrieves a named metadata item for a host and writes it to w.
	GetMetadata(ctx context.Context, hostID string, name string, w io.Writer) error

	// GetMetadataVersion returns the version stored with a metadata item,
	// or 0 if it has never been stored.
	GetMetadataVersion(ctx context.Context, hostID string, name string) (int64, error)

	// ValidateSetup verifies that the vault is reachable and usable.
	ValidateSetup(ctx context.Context) error
}

package ctsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"ctsync/internal/model"
	"ctsync/internal/snapshot"
)

// ErrSnapshotNotFound is returned when no archived snapshot has the checksum.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotArchive stores captured snapshots in the vault, encrypted when an
// encryptor is configured, and indexes them in the database.
type SnapshotArchive struct {
	vault     Vault
	encryptor Encryptor
	db        Database
	clock     Clock
	logger    Logger
}

// NewSnapshotArchive returns an archive. encryptor may be nil.
func NewSnapshotArchive(vault Vault, encryptor Encryptor, db Database, clock Clock, logger Logger) *SnapshotArchive {
	return &SnapshotArchive{vault: vault, encryptor: encryptor, db: db, clock: clock, logger: logger}
}

// Store archives an encoded snapshot of typeKey and returns its checksum.
// Archiving the same checksum twice uploads it once.
func (a *SnapshotArchive) Store(ctx context.Context, typeKey, encoded string) (string, error) {
	s, err := snapshot.Parse(encoded)
	if err != nil {
		return "", err
	}

	existing, err := a.db.FindSnapshotRecord(ctx, s.Checksum)
	if err != nil {
		return "", fmt.Errorf("checking snapshot %s: %w", short(s.Checksum), err)
	}
	if existing != nil {
		return s.Checksum, nil
	}

	body := []byte(encoded)
	encrypted := false
	if a.encryptor != nil {
		var buf bytes.Buffer
		if err := a.encryptor.Encrypt(bytes.NewReader(body), &buf); err != nil {
			return "", fmt.Errorf("encrypting snapshot of %s: %w", typeKey, err)
		}
		body = buf.Bytes()
		encrypted = true
	}

	if err := a.vault.PutContent(ctx, s.Checksum, bytes.NewReader(body), int64(len(body))); err != nil {
		return "", fmt.Errorf("uploading snapshot of %s: %w", typeKey, err)
	}

	rec := &model.SnapshotRecord{
		Checksum:  s.Checksum,
		TypeKey:   typeKey,
		Size:      int64(len(body)),
		Encrypted: encrypted,
		CreatedAt: a.clock.Now(),
	}
	if err := a.db.InsertSnapshotRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("indexing snapshot of %s: %w", typeKey, err)
	}
	a.logger.Debug("snapshot archived", "type_key", typeKey, "checksum", short(s.Checksum), "encrypted", encrypted)
	return s.Checksum, nil
}

// Read fetches an archived snapshot, decrypting it with dec when it was
// stored encrypted, and returns its verified payload.
func (a *SnapshotArchive) Read(ctx context.Context, checksum string, dec DecryptionContext) (*model.SnapshotRecord, []byte, error) {
	rec, err := a.db.FindSnapshotRecord(ctx, checksum)
	if err != nil {
		return nil, nil, fmt.Errorf("finding snapshot %s: %w", short(checksum), err)
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, checksum)
	}

	var stored bytes.Buffer
	if err := a.vault.GetContent(ctx, checksum, &stored); err != nil {
		return nil, nil, fmt.Errorf("downloading snapshot %s: %w", short(checksum), err)
	}

	body := stored.Bytes()
	if rec.Encrypted {
		if dec == nil {
			return nil, nil, fmt.Errorf("snapshot %s is encrypted: unlock the private key first", short(checksum))
		}
		var plain bytes.Buffer
		if err := dec.Decrypt(bytes.NewReader(body), &plain); err != nil {
			return nil, nil, fmt.Errorf("decrypting snapshot %s: %w", short(checksum), err)
		}
		body = plain.Bytes()
	}

	s, err := snapshot.Parse(string(body))
	if err != nil {
		return nil, nil, err
	}
	if s.Checksum != checksum {
		return nil, nil, fmt.Errorf("%w: archived as %s, envelope says %s", snapshot.ErrIntegrity, short(checksum), short(s.Checksum))
	}
	payload, err := s.Payload()
	if err != nil {
		return nil, nil, err
	}
	return rec, payload, nil
}

// Package snapshot captures payloads as self-verifying envelopes: canonical
// JSON, a SHA-256 checksum of the uncompressed bytes, and gzip+base64 encoding
// for large payloads.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ctsync/internal/hashing"
)

const (
	// CompressionThreshold is the canonical size above which payloads are gzipped.
	CompressionThreshold = 100 * 1024
	// MaxSize is the largest canonical payload accepted.
	MaxSize = 10 * 1024 * 1024
)

var (
	// ErrIntegrity is returned when a restored payload does not match its checksum.
	ErrIntegrity = errors.New("snapshot integrity check failed")
	// ErrTooLarge is returned when a payload exceeds MaxSize.
	ErrTooLarge = errors.New("snapshot exceeds size limit")
)

// Snapshot is the stored envelope. Data holds the canonical JSON verbatim, or
// base64-encoded gzip of it when IsCompressed is set.
type Snapshot struct {
	Data         string `json:"data"`
	Checksum     string `json:"checksum"`
	IsCompressed bool   `json:"isCompressed"`
	OriginalSize int    `json:"originalSize"`
}

// New canonicalizes v and builds its envelope.
func New(v any) (*Snapshot, error) {
	canonical, err := hashing.Canonicalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing payload: %w", err)
	}
	if len(canonical) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(canonical), MaxSize)
	}

	s := &Snapshot{
		Checksum:     hashing.Sum(canonical),
		OriginalSize: len(canonical),
	}

	if len(canonical) <= CompressionThreshold {
		s.Data = string(canonical)
		return s, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(canonical); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing compression: %w", err)
	}
	s.Data = base64.StdEncoding.EncodeToString(buf.Bytes())
	s.IsCompressed = true
	return s, nil
}

// Capture returns the encoded envelope for v.
func Capture(v any) (string, error) {
	s, err := New(v)
	if err != nil {
		return "", err
	}
	return s.Encode()
}

// Encode serializes the envelope.
func (s *Snapshot) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	return string(data), nil
}

// Parse decodes an envelope without verifying it.
func Parse(encoded string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(encoded), &s); err != nil {
		return nil, fmt.Errorf("decoding snapshot envelope: %w", err)
	}
	return &s, nil
}

// Payload returns the canonical JSON held by the envelope after checking it
// against the recorded size and checksum. Stored flags are never trusted on
// their own: a wrong IsCompressed or OriginalSize surfaces as ErrIntegrity.
func (s *Snapshot) Payload() ([]byte, error) {
	var payload []byte
	if s.IsCompressed {
		compressed, err := base64.StdEncoding.DecodeString(s.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding base64: %v", ErrIntegrity, err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%w: opening gzip stream: %v", ErrIntegrity, err)
		}
		payload, err = io.ReadAll(io.LimitReader(zr, MaxSize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing: %v", ErrIntegrity, err)
		}
		if len(payload) > MaxSize {
			return nil, fmt.Errorf("%w: decompressed payload exceeds %d bytes", ErrTooLarge, MaxSize)
		}
	} else {
		payload = []byte(s.Data)
	}

	if len(payload) != s.OriginalSize {
		return nil, fmt.Errorf("%w: size %d, recorded %d", ErrIntegrity, len(payload), s.OriginalSize)
	}
	if sum := hashing.Sum(payload); sum != s.Checksum {
		return nil, fmt.Errorf("%w: checksum %s, recorded %s", ErrIntegrity, sum, s.Checksum)
	}
	return payload, nil
}

// Restore decodes and verifies an encoded envelope, returning its payload.
func Restore(encoded string) (json.RawMessage, error) {
	s, err := Parse(encoded)
	if err != nil {
		return nil, err
	}
	payload, err := s.Payload()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// RestoreInto verifies the envelope and decodes its payload into v.
func RestoreInto(encoded string, v any) error {
	payload, err := Restore(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding snapshot payload: %w", err)
	}
	return nil
}

package ctsync

import (
	"context"

	"ctsync/internal/model"
)

// Extractor is the read-only source of locally authored definitions.
type Extractor interface {
	// ExtractContentTypes returns definitions in a stable discovery order.
	// websiteID may be empty.
	ExtractContentTypes(ctx context.Context, websiteID string) ([]*model.ContentTypeDefinition, error)
}

// SourceWriter is implemented by extractors that can write a resolved
// definition back to the local source.
type SourceWriter interface {
	WriteContentType(ctx context.Context, websiteID string, def *model.ContentTypeDefinition) error
	RemoveContentType(ctx context.Context, websiteID, key string) error
}

// Provider is the remote system of record. Failures are *ProviderError values.
type Provider interface {
	GetContentTypes(ctx context.Context) ([]*model.RemoteContentType, error)
	GetContentType(ctx context.Context, key string) (*model.RemoteContentType, error)
	CreateContentType(ctx context.Context, def *model.ContentTypeDefinition) (*model.RemoteContentType, error)

	// UpdateContentType replaces the definition stored under key. precondition
	// is the ETag the caller last observed; a mismatch fails with KindPrecondition.
	// An empty precondition skips the check.
	UpdateContentType(ctx context.Context, key string, def *model.ContentTypeDefinition, precondition string) (*model.RemoteContentType, error)

	DeleteContentType(ctx context.Context, key string) error
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ctsync/internal/ctsync"
	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// FileSystemProvider keeps the remote catalogue as <root>/<key>.json
// documents. A document's ETag is the hash of the definition it holds.
type FileSystemProvider struct {
	root string
	mu   sync.Mutex
}

var _ ctsync.Provider = (*FileSystemProvider)(nil)

func NewFileSystemProvider(root string) (*FileSystemProvider, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating provider root: %w", err)
	}
	return &FileSystemProvider{root: root}, nil
}

func (p *FileSystemProvider) path(key string) (string, error) {
	if !ctsync.ValidKey(key) {
		return "", ctsync.NewProviderError(ctsync.KindNotFound, key, "invalid content type key")
	}
	return filepath.Join(p.root, key+".json"), nil
}

func (p *FileSystemProvider) read(key string) (*model.RemoteContentType, error) {
	path, err := p.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ctsync.NewProviderError(ctsync.KindNotFound, key, "content type does not exist")
	}
	if err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: key, Message: "reading document", Err: err}
	}
	var def model.ContentTypeDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: key, Message: "decoding document", Err: err}
	}
	etag, err := hashing.Hash(&def)
	if err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: key, Message: "hashing document", Err: err}
	}
	return &model.RemoteContentType{Definition: def, ETag: etag}, nil
}

func (p *FileSystemProvider) write(def *model.ContentTypeDefinition) (*model.RemoteContentType, error) {
	path, err := p.path(def.Key)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: def.Key, Message: "encoding document", Err: err}
	}
	tmp, err := os.CreateTemp(p.root, ".tmp-*")
	if err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: def.Key, Message: "writing document", Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: def.Key, Message: "writing document", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: def.Key, Message: "writing document", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: def.Key, Message: "writing document", Err: err}
	}
	return p.read(def.Key)
}

func (p *FileSystemProvider) GetContentTypes(ctx context.Context) ([]*model.RemoteContentType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, &ctsync.ProviderError{Kind: ctsync.KindServer, Message: "listing documents", Err: err}
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if key := strings.TrimSuffix(name, ".json"); ctsync.ValidKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([]*model.RemoteContentType, 0, len(keys))
	for _, k := range keys {
		r, err := p.read(k)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *FileSystemProvider) GetContentType(ctx context.Context, key string) (*model.RemoteContentType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.read(key)
}

func (p *FileSystemProvider) CreateContentType(ctx context.Context, def *model.ContentTypeDefinition) (*model.RemoteContentType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.read(def.Key); err == nil {
		return nil, ctsync.NewProviderError(ctsync.KindPrecondition, def.Key, "content type already exists")
	} else if !ctsync.IsProviderError(err, ctsync.KindNotFound) {
		return nil, err
	}
	return p.write(def)
}

func (p *FileSystemProvider) UpdateContentType(ctx context.Context, key string, def *model.ContentTypeDefinition, precondition string) (*model.RemoteContentType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if def.Key != key {
		return nil, ctsync.NewProviderError(ctsync.KindServer, key, "definition key does not match target")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	current, err := p.read(key)
	if err != nil {
		return nil, err
	}
	if precondition != "" && precondition != current.ETag {
		return nil, ctsync.NewProviderError(ctsync.KindPrecondition, key, "document changed since it was read")
	}
	return p.write(def)
}

func (p *FileSystemProvider) DeleteContentType(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	path, err := p.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ctsync.NewProviderError(ctsync.KindNotFound, key, "content type does not exist")
	}
	if err != nil {
		return &ctsync.ProviderError{Kind: ctsync.KindServer, TypeKey: key, Message: "removing document", Err: err}
	}
	return nil
}

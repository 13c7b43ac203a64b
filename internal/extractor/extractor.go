// Package extractor reads locally authored content-type definitions from a
// directory tree. Each file holds one definition in JSON, YAML or TOML.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"ctsync/internal/config"
	"ctsync/internal/ctsync"
	"ctsync/internal/model"
)

// FileSystemExtractor implements ctsync.Extractor and ctsync.SourceWriter
// over a directory. With a website id, definitions live in <dir>/<websiteID>.
type FileSystemExtractor struct {
	dir    string
	ignore []string
	logger ctsync.Logger
}

var (
	_ ctsync.Extractor    = (*FileSystemExtractor)(nil)
	_ ctsync.SourceWriter = (*FileSystemExtractor)(nil)
)

func NewFileSystemExtractor(dir string, ignore []string, logger ctsync.Logger) *FileSystemExtractor {
	return &FileSystemExtractor{dir: dir, ignore: ignore, logger: logger}
}

// NewExtractorFromConfig creates the extractor selected by cfg.Type.
func NewExtractorFromConfig(cfg config.SourceConfig, logger ctsync.Logger) (*FileSystemExtractor, error) {
	switch cfg.Type {
	case "", "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem source requires dir to be set")
		}
		return NewFileSystemExtractor(cfg.Dir, cfg.Ignore, logger), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

func (e *FileSystemExtractor) root(websiteID string) (string, error) {
	if websiteID == "" {
		return e.dir, nil
	}
	if websiteID != filepath.Base(websiteID) || websiteID == ".." {
		return "", fmt.Errorf("invalid website id %q", websiteID)
	}
	return filepath.Join(e.dir, websiteID), nil
}

type sourceFile struct {
	path   string
	format format
	def    *model.ContentTypeDefinition
}

// walk visits every definition file under root in lexical path order.
// Unreadable or malformed files are logged and skipped.
func (e *FileSystemExtractor) walk(ctx context.Context, root string, visit func(sourceFile) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("opening source directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", root)
	}

	patterns, err := readIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return err
	}
	matcher := NewIgnoreMatcher(append(append([]string{IgnoreFileName}, e.ignore...), patterns...))

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		f, ok := formatOf(path)
		if !ok {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("skipping unreadable definition file", "path", rel, "error", err)
			return nil
		}
		def, err := decode(f, data)
		if err != nil {
			e.logger.Warn("skipping malformed definition file", "path", rel, "error", err)
			return nil
		}
		return visit(sourceFile{path: path, format: f, def: def})
	})
}

// ExtractContentTypes returns the definitions found under the website's
// directory, ordered by file path.
func (e *FileSystemExtractor) ExtractContentTypes(ctx context.Context, websiteID string) ([]*model.ContentTypeDefinition, error) {
	root, err := e.root(websiteID)
	if err != nil {
		return nil, err
	}
	var defs []*model.ContentTypeDefinition
	err = e.walk(ctx, root, func(f sourceFile) error {
		defs = append(defs, f.def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extracting content types: %w", err)
	}
	e.logger.Debug("extracted content types", "dir", root, "count", len(defs))
	return defs, nil
}

var errStopWalk = errors.New("stop")

// locate finds the file currently holding key, if any.
func (e *FileSystemExtractor) locate(ctx context.Context, root, key string) (*sourceFile, error) {
	var found *sourceFile
	err := e.walk(ctx, root, func(f sourceFile) error {
		if f.def.Key == key {
			found = &f
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	return found, nil
}

// WriteContentType writes def back to the file that holds its key, keeping
// that file's format. New keys are written as <key>.json.
func (e *FileSystemExtractor) WriteContentType(ctx context.Context, websiteID string, def *model.ContentTypeDefinition) error {
	if !ctsync.ValidKey(def.Key) {
		return fmt.Errorf("invalid content type key %q", def.Key)
	}
	root, err := e.root(websiteID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("creating source directory: %w", err)
	}

	target := sourceFile{path: filepath.Join(root, def.Key+".json"), format: formatJSON}
	existing, err := e.locate(ctx, root, def.Key)
	if err != nil {
		return fmt.Errorf("locating %s: %w", def.Key, err)
	}
	if existing != nil {
		target = *existing
	}

	data, err := encode(target.format, def)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", def.Key, err)
	}
	if err := writeFileAtomic(target.path, data); err != nil {
		return fmt.Errorf("writing %s: %w", def.Key, err)
	}
	e.logger.Info("wrote content type to source", "type_key", def.Key, "path", target.path)
	return nil
}

// RemoveContentType deletes the file holding key. A missing key is not an error.
func (e *FileSystemExtractor) RemoveContentType(ctx context.Context, websiteID, key string) error {
	root, err := e.root(websiteID)
	if err != nil {
		return err
	}
	existing, err := e.locate(ctx, root, key)
	if err != nil {
		return fmt.Errorf("locating %s: %w", key, err)
	}
	if existing == nil {
		return nil
	}
	if err := os.Remove(existing.path); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	e.logger.Info("removed content type from source", "type_key", key, "path", existing.path)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadDefinitionFile parses one definition file outside any source tree,
// for example a hand-merged definition passed on the command line.
func ReadDefinitionFile(path string) (*model.ContentTypeDefinition, error) {
	f, ok := formatOf(path)
	if !ok {
		return nil, fmt.Errorf("unsupported definition file: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}
	def, err := decode(f, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return def, nil
}

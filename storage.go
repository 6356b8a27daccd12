package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

var ErrNotStored = errors.New("no stored data")

// StoredSource is what is persisted per source. Entries are public; LastUpdated is
// private bookkeeping for the update loop.
type StoredSource struct {
	Entries     []PointRecord `json:"entries"`
	LastUpdated *time.Time    `json:"last_updated,omitempty"`
}

// Storage persists fetched source data. name is the source's storage file name.
type Storage interface {
	Load(ctx context.Context, name string) (StoredSource, error)
	Save(ctx context.Context, name string, data StoredSource) error
	Ping(ctx context.Context) error
	Close() error
}

// NewStorage opens the backend selected by the configuration.
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case "mysql":
		return OpenSQLStorage(ctx, cfg.Database)
	default:
		return NewFileStorage(cfg.Storage.Dir)
	}
}

// FileStorage keeps each source in a zstd-compressed public file and a small
// private JSON file next to it.
type FileStorage struct {
	dir string
}

type privateState struct {
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

type publicState struct {
	Entries []PointRecord `json:"entries"`
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create storage dir %s: %w", dir, err)
	}
	return &FileStorage{dir: dir}, nil
}

func (fs *FileStorage) publicPath(name string) string {
	return filepath.Join(fs.dir, filepath.Base(name)+".zst")
}

func (fs *FileStorage) privatePath(name string) string {
	return filepath.Join(fs.dir, filepath.Base(name)+".private")
}

// Load reads a source back. A missing public file yields ErrNotStored; a missing
// or unreadable private file only resets LastUpdated.
func (fs *FileStorage) Load(ctx context.Context, name string) (StoredSource, error) {
	start := time.Now()

	f, err := os.Open(fs.publicPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StoredSource{}, ErrNotStored
		}
		return StoredSource{}, fmt.Errorf("trying to open public storage file %s: %w", fs.publicPath(name), err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return StoredSource{}, fmt.Errorf("trying to read public storage at %s: %w", fs.publicPath(name), err)
	}
	defer dec.Close()

	var pub publicState
	if err := json.NewDecoder(dec).Decode(&pub); err != nil {
		return StoredSource{}, fmt.Errorf("trying to read public storage at %s: %w", fs.publicPath(name), err)
	}

	data := StoredSource{Entries: pub.Entries}
	priv, err := fs.loadPrivate(name)
	if err != nil {
		GetLogger().WithError(err).WithFields(LogFields{"source_file": name}).Warn("Failed to load private storage")
	} else {
		data.LastUpdated = priv.LastUpdated
	}

	GetLogger().LogDatabaseOperation(ctx, "load", name, time.Since(start), nil, LogFields{"backend": "file", "entries": len(data.Entries)})
	return data, nil
}

func (fs *FileStorage) loadPrivate(name string) (privateState, error) {
	var priv privateState
	raw, err := os.ReadFile(fs.privatePath(name))
	if err != nil {
		return priv, err
	}
	if err := json.Unmarshal(raw, &priv); err != nil {
		return priv, fmt.Errorf("trying to read private storage at %s: %w", fs.privatePath(name), err)
	}
	return priv, nil
}

// Save writes both files through a temporary file and a rename, so readers never
// see a partial document.
func (fs *FileStorage) Save(ctx context.Context, name string, data StoredSource) error {
	start := time.Now()
	entries := data.Entries
	if entries == nil {
		entries = []PointRecord{}
	}

	err := writeAtomic(fs.publicPath(name), func(w io.Writer) error {
		return writeZstd(w, func(zw io.Writer) error {
			return json.NewEncoder(zw).Encode(publicState{Entries: entries})
		})
	})
	if err == nil {
		err = writeAtomic(fs.privatePath(name), func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(privateState{LastUpdated: data.LastUpdated})
		})
	}

	GetLogger().LogDatabaseOperation(ctx, "save", name, time.Since(start), err, LogFields{"backend": "file", "entries": len(entries)})
	GetMetricsCollector().RecordDatabaseOperation("save", "file", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("saving %s: %w", name, err)
	}
	return nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("could not create file at %s: %w", tmp, err)
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not write storage to %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Ping checks that the storage directory is still there.
func (fs *FileStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.dir)
	}
	return nil
}

func (fs *FileStorage) Close() error { return nil }

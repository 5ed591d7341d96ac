// The disk tier keeps one plain file per key, so the namespace directory stays readable by other tools:
//
//	<root>/<namespace>/
//	  blobs/<key>    raw payload; mtime is the creation time and atime the last access
//	  meta/<key>     sidecar metadata record, see metadata.go
//	  tmp/           in-flight writes, renamed into place once synced
//	  .sweep.lock    advisory lock held while a staleness sweep runs
//
// The sidecar is authoritative. A payload without one, e.g. dropped in by an older version, is still served with its
// times taken from the filesystem.

package storage

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

var (
	keyFilterCapacity = flag.Uint("disk_key_filter_capacity", 1_000_000,
		"Expected number of keys on disk, used to size the in-memory key filter. Zero disables the filter, "+
			"which is required for payloads written by other processes after open to be found.")
	keyFilterFPRate = flag.Float64("disk_key_filter_fp_rate", 0.01,
		"Target false positive rate of the disk key filter, in (0, 1).")
)

const (
	blobsDirName = "blobs"
	metaDirName  = "meta"
	tmpDirName   = "tmp"
	lockFileName = ".sweep.lock"
	// staleTempAge is how old a leftover temp file must be before opening the tier removes it.
	staleTempAge = time.Hour
)

// DiskOptions tunes a DiskTier.
type DiskOptions struct {
	KeyFilterCapacity          uint    // Zero disables the key filter.
	KeyFilterFalsePositiveRate float64 // Ignored when the key filter is disabled.
}

// DiskOptionsFromFlags builds DiskOptions out of the `disk_*` flags.
func DiskOptionsFromFlags() DiskOptions {
	return DiskOptions{KeyFilterCapacity: *keyFilterCapacity, KeyFilterFalsePositiveRate: *keyFilterFPRate}
}

// DiskTier is a durable key to bytes store backed by a directory. Not thread-safe; callers serialize access.
type DiskTier struct {
	dir       string // Namespace directory; ends with the namespace.
	blobsDir  string
	metaDir   string
	tmpDir    string
	filter    *KeyFilter // Nil when disabled.
	sweepLock *flock.Flock
}

// NewDiskTier opens (creating if needed) the `namespace` directory under `root`.
func NewDiskTier(root, namespace string, opts DiskOptions) (*DiskTier, error) {
	if namespace == "" {
		return nil, errors.New("expected a non-empty namespace")
	}
	if opts.KeyFilterCapacity > 0 && (opts.KeyFilterFalsePositiveRate <= 0 || opts.KeyFilterFalsePositiveRate >= 1) {
		return nil, fmt.Errorf("expected key filter false positive rate in (0, 1), got %v",
			opts.KeyFilterFalsePositiveRate)
	}

	dir := filepath.Join(root, namespace)
	d := &DiskTier{
		dir:      dir,
		blobsDir: filepath.Join(dir, blobsDirName),
		metaDir:  filepath.Join(dir, metaDirName),
		tmpDir:   filepath.Join(dir, tmpDirName),
		filter:   NewKeyFilter(opts.KeyFilterCapacity, opts.KeyFilterFalsePositiveRate),
	}
	for _, sub := range []string{d.blobsDir, d.metaDir, d.tmpDir} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create disk tier directory %s: %w", sub, err)
		}
	}
	d.sweepLock = flock.New(filepath.Join(dir, lockFileName))
	d.removeStaleTempFiles()
	d.RebuildKeyFilter()
	return d, nil
}

// Dir returns the namespace directory.
func (d *DiskTier) Dir() string {
	return d.dir
}

func (d *DiskTier) blobPath(key string) string {
	return filepath.Join(d.blobsDir, key)
}

func (d *DiskTier) metaPath(key string) string {
	return filepath.Join(d.metaDir, key)
}

// writeFileAtomic writes `data` to a temp file, syncs it and renames it to `path`.
func (d *DiskTier) writeFileAtomic(path string, data []byte) (err error) {
	tmpFile, err := os.CreateTemp(d.tmpDir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil { // Don't leave partial files behind.
			_ = os.Remove(tmpFile.Name())
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Write persists `data` under `key` with the given creation time, replacing any previous entry.
func (d *DiskTier) Write(key string, data []byte, created time.Time) error {
	blobPath := d.blobPath(key)
	if err := d.writeFileAtomic(blobPath, data); err != nil {
		return fmt.Errorf("failed to write payload of %q: %w", key, err)
	}
	d.filter.Add(key)

	meta := newMetadata(data, created)
	if err := d.writeFileAtomic(d.metaPath(key), meta.marshal()); err != nil {
		// A sidecar left from a previous write would describe the wrong payload.
		if rmErr := os.Remove(d.metaPath(key)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
		return fmt.Errorf("failed to write metadata of %q: %w", key, err)
	}
	if err := os.Chtimes(blobPath, meta.LastAccess, meta.Created); err != nil {
		return fmt.Errorf("failed to set file times of %q: %w", key, err)
	}
	return nil
}

// Stat returns the metadata of `key` without reading its payload. Returns ErrKeyNotFound if there is no payload.
func (d *DiskTier) Stat(key string) (Metadata, error) {
	info, err := os.Stat(d.blobPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, ErrKeyNotFound
		}
		return Metadata{}, fmt.Errorf("failed to stat payload of %q: %w", key, err)
	}

	record, err := os.ReadFile(d.metaPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return metadataFromFileInfo(info), nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata of %q: %w", key, err)
	}
	meta, err := unmarshalMetadata(record)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata of %q: %v", ErrCorrupted, key, err)
	}
	return meta, nil
}

// metadataFromFileInfo derives metadata from the filesystem for payloads that have no sidecar.
func metadataFromFileInfo(info fs.FileInfo) Metadata {
	meta := Metadata{Created: info.ModTime(), LastAccess: accessTime(info), Size: info.Size()}
	if meta.LastAccess.Before(meta.Created) { // E.g. filesystems mounted with noatime.
		meta.LastAccess = meta.Created
	}
	return meta
}

// Read returns the payload and metadata of `key`. Returns ErrKeyNotFound on a miss, including keys the key filter
// hasn't seen yet, and an error wrapping ErrCorrupted when the payload doesn't match its metadata.
func (d *DiskTier) Read(key string) (Entry, error) {
	if !d.filter.MayContain(key) {
		return Entry{}, ErrKeyNotFound
	}
	data, err := os.ReadFile(d.blobPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrKeyNotFound
		}
		return Entry{}, fmt.Errorf("failed to read payload of %q: %w", key, err)
	}
	meta, err := d.Stat(key)
	if err != nil {
		return Entry{}, err
	}
	if err := meta.verify(data); err != nil {
		return Entry{}, fmt.Errorf("failed to verify %q: %w", key, err)
	}
	return Entry{Data: data, Metadata: meta}, nil
}

// Touch sets the last access time of `key` to `accessed`. The creation time is left as is.
func (d *DiskTier) Touch(key string, accessed time.Time) error {
	meta, err := d.Stat(key)
	if err != nil {
		return err
	}
	if accessed.Before(meta.Created) {
		accessed = meta.Created
	}
	meta.LastAccess = accessed
	if err := d.writeFileAtomic(d.metaPath(key), meta.marshal()); err != nil {
		return fmt.Errorf("failed to write metadata of %q: %w", key, err)
	}
	if err := os.Chtimes(d.blobPath(key), meta.LastAccess, meta.Created); err != nil {
		return fmt.Errorf("failed to set file times of %q: %w", key, err)
	}
	return nil
}

// Delete removes `key` from disk. Deleting an absent key is not an error.
func (d *DiskTier) Delete(key string) error {
	var errs []error
	for _, path := range []string{d.blobPath(key), d.metaPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Keys returns the persisted keys in lexical order. The directory is listed once, when iteration starts, so keys
// written or deleted during the iteration are not reflected.
func (d *DiskTier) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		entries, err := os.ReadDir(d.blobsDir)
		if err != nil {
			slog.Warn("Failed to list disk tier keys.", "dir", d.blobsDir, "error", err)
			return
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			if !yield(entry.Name()) {
				return
			}
		}
	}
}

// RebuildKeyFilter resets the key filter to exactly the keys on disk.
func (d *DiskTier) RebuildKeyFilter() {
	if d.filter == nil {
		return
	}
	d.filter.Reset()
	for key := range d.Keys() {
		d.filter.Add(key)
	}
}

// LockSweep tries to take the cross-process sweep lock without blocking. When `acquired` is true the caller must
// call `unlock` once the sweep is done.
func (d *DiskTier) LockSweep() (unlock func(), acquired bool, err error) {
	acquired, err = d.sweepLock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to take sweep lock %s: %w", d.sweepLock.Path(), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return func() {
		if err := d.sweepLock.Unlock(); err != nil {
			slog.Warn("Failed to release sweep lock.", "path", d.sweepLock.Path(), "error", err)
		}
	}, true, nil
}

// removeStaleTempFiles removes temp files left behind by writers that died mid-write.
func (d *DiskTier) removeStaleTempFiles() {
	entries, err := os.ReadDir(d.tmpDir)
	if err != nil {
		slog.Warn("Failed to list disk tier temp files.", "dir", d.tmpDir, "error", err)
		return
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(filepath.Join(d.tmpDir, entry.Name())); err != nil {
			slog.Warn("Failed to remove stale temp file.", "file", entry.Name(), "error", err)
		}
	}
}

// Close releases the sweep lock file.
func (d *DiskTier) Close() error {
	if err := d.sweepLock.Close(); err != nil {
		return fmt.Errorf("failed to close sweep lock: %w", err)
	}
	return nil
}

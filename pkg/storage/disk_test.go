package storage

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDiskOptions = DiskOptions{KeyFilterCapacity: 1_000, KeyFilterFalsePositiveRate: 0.01}

func newTestDiskTier(t *testing.T, root string) *DiskTier {
	t.Helper()
	disk, err := NewDiskTier(root, "test", testDiskOptions)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, disk.Close()) })
	return disk
}

func TestNewDiskTier(t *testing.T) {
	root := t.TempDir()
	disk := newTestDiskTier(t, root)
	assert.Equal(t, filepath.Join(root, "test"), disk.Dir())
	for _, sub := range []string{"blobs", "meta", "tmp"} {
		info, err := os.Stat(filepath.Join(root, "test", sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	t.Run("invalid_options", func(t *testing.T) {
		_, err := NewDiskTier(root, "" /*namespace*/, testDiskOptions)
		assert.Error(t, err)
		_, err = NewDiskTier(root, "test", DiskOptions{KeyFilterCapacity: 10, KeyFilterFalsePositiveRate: 1})
		assert.Error(t, err)
		unfiltered, err := NewDiskTier(root, "other", DiskOptions{KeyFilterCapacity: 0, KeyFilterFalsePositiveRate: 0})
		require.NoError(t, err)
		assert.NoError(t, unfiltered.Close())
	})
	t.Run("root_is_a_file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		_, err := NewDiskTier(file, "test", testDiskOptions)
		assert.Error(t, err)
	})
}

func TestDiskTier_WriteAndRead(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	created := time.Unix(1_700_000_000, 0)

	require.NoError(t, disk.Write("a", []byte("payload"), created))
	entry, err := disk.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), entry.Data)
	assert.True(t, entry.Created.Equal(created))
	assert.True(t, entry.LastAccess.Equal(created))
	assert.Equal(t, int64(7), entry.Size)

	info, err := os.Stat(filepath.Join(disk.Dir(), "blobs", "a"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(created), "Payload mtime should follow the creation time.")
	tmpEntries, err := os.ReadDir(filepath.Join(disk.Dir(), "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmpEntries)

	t.Run("overwrite", func(t *testing.T) {
		later := created.Add(time.Hour)
		require.NoError(t, disk.Write("a", []byte("second"), later))
		entry, err := disk.Read("a")
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), entry.Data)
		assert.True(t, entry.Created.Equal(later))
	})
	t.Run("empty_payload", func(t *testing.T) {
		require.NoError(t, disk.Write("empty", nil, created))
		entry, err := disk.Read("empty")
		require.NoError(t, err)
		assert.Empty(t, entry.Data)
	})
}

func TestDiskTier_ReadMissing(t *testing.T) {
	for name, opts := range map[string]DiskOptions{"with_filter": testDiskOptions, "without_filter": {}} {
		t.Run(name, func(t *testing.T) {
			disk, err := NewDiskTier(t.TempDir(), "test", opts)
			require.NoError(t, err)
			defer func() { assert.NoError(t, disk.Close()) }()

			_, err = disk.Read("missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
			_, err = disk.Stat("missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestDiskTier_Corruption(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	require.NoError(t, disk.Write("a", []byte("payload"), time.Now()))

	t.Run("payload_changed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(disk.Dir(), "blobs", "a"), []byte("PAYLOAD"), 0o644))
		_, err := disk.Read("a")
		assert.ErrorIs(t, err, ErrCorrupted)
	})
	t.Run("payload_truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(disk.Dir(), "blobs", "a"), []byte("pay"), 0o644))
		_, err := disk.Read("a")
		assert.ErrorIs(t, err, ErrCorrupted)
	})
	t.Run("garbage_metadata", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(disk.Dir(), "meta", "a"), []byte{0xff, 0xff}, 0o644))
		_, err := disk.Stat("a")
		assert.ErrorIs(t, err, ErrCorrupted)
		_, err = disk.Read("a")
		assert.ErrorIs(t, err, ErrCorrupted)
	})
}

func TestDiskTier_WithoutSidecar(t *testing.T) {
	root := t.TempDir()
	blobs := filepath.Join(root, "test", "blobs")
	require.NoError(t, os.MkdirAll(blobs, 0o755))
	created, accessed := time.Unix(1_600_000_000, 0), time.Unix(1_600_086_400, 0)
	require.NoError(t, os.WriteFile(filepath.Join(blobs, "plain"), []byte("plain file"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(blobs, "plain"), accessed, created))

	disk := newTestDiskTier(t, root)
	meta, err := disk.Stat("plain")
	require.NoError(t, err)
	assert.True(t, meta.Created.Equal(created))
	assert.Equal(t, int64(10), meta.Size)
	assert.Zero(t, meta.Checksum)
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		assert.True(t, meta.LastAccess.Equal(accessed), "Last access should come from the file atime.")
	}

	entry, err := disk.Read("plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain file"), entry.Data)
	assert.False(t, entry.LastAccess.Before(entry.Created))
}

func TestDiskTier_Touch(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	created := time.Unix(1_700_000_000, 0)
	require.NoError(t, disk.Write("a", []byte("payload"), created))

	accessed := created.Add(48 * time.Hour)
	require.NoError(t, disk.Touch("a", accessed))
	meta, err := disk.Stat("a")
	require.NoError(t, err)
	assert.True(t, meta.LastAccess.Equal(accessed))
	assert.True(t, meta.Created.Equal(created), "Touch must not move the creation time.")

	info, err := os.Stat(filepath.Join(disk.Dir(), "blobs", "a"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(created))

	t.Run("before_creation", func(t *testing.T) {
		require.NoError(t, disk.Touch("a", created.Add(-time.Hour)))
		meta, err := disk.Stat("a")
		require.NoError(t, err)
		assert.True(t, meta.LastAccess.Equal(created))
	})
	t.Run("missing", func(t *testing.T) {
		assert.ErrorIs(t, disk.Touch("missing", accessed), ErrKeyNotFound)
	})
	t.Run("payload_still_verifies", func(t *testing.T) {
		entry, err := disk.Read("a")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), entry.Data)
	})
}

func TestDiskTier_Delete(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	require.NoError(t, disk.Write("a", []byte("payload"), time.Now()))

	require.NoError(t, disk.Delete("a"))
	_, err := disk.Read("a")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = os.Stat(filepath.Join(disk.Dir(), "meta", "a"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.NoError(t, disk.Delete("a"), "Deleting twice is not an error.")
	assert.NoError(t, disk.Delete("never-written"))
}

func TestDiskTier_Keys(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	assert.Empty(t, slices.Collect(disk.Keys()))

	for _, key := range []string{"c", "a", "b"} {
		require.NoError(t, disk.Write(key, []byte(key), time.Now()))
	}
	require.NoError(t, os.Mkdir(filepath.Join(disk.Dir(), "blobs", "subdir"), 0o755))
	assert.Equal(t, []string{"a", "b", "c"}, slices.Collect(disk.Keys()))

	t.Run("early_break", func(t *testing.T) {
		var seen []string
		for key := range disk.Keys() {
			seen = append(seen, key)
			break
		}
		assert.Equal(t, []string{"a"}, seen)
	})
	t.Run("snapshot", func(t *testing.T) {
		var seen []string
		for key := range disk.Keys() {
			seen = append(seen, key)
			require.NoError(t, disk.Delete(key))
			require.NoError(t, disk.Write(key+"-new", nil, time.Now()))
		}
		assert.Equal(t, []string{"a", "b", "c"}, seen)
	})
}

func TestDiskTier_RebuildKeyFilter(t *testing.T) {
	disk := newTestDiskTier(t, t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(disk.Dir(), "blobs", "external"), []byte("x"), 0o644))

	_, err := disk.Read("external")
	assert.ErrorIs(t, err, ErrKeyNotFound, "Payloads added behind the tier's back are hidden until the next rebuild.")
	_, err = disk.Stat("external")
	assert.NoError(t, err, "Stat doesn't consult the filter.")

	disk.RebuildKeyFilter()
	assert.True(t, disk.filter.MayContain("external"))
	entry, err := disk.Read("external")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), entry.Data)

	t.Run("without_filter", func(t *testing.T) {
		disk, err := NewDiskTier(t.TempDir(), "test", DiskOptions{})
		require.NoError(t, err)
		defer func() { assert.NoError(t, disk.Close()) }()
		require.NoError(t, os.WriteFile(filepath.Join(disk.Dir(), "blobs", "external"), []byte("x"), 0o644))

		entry, err := disk.Read("external")
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), entry.Data)
	})
}

func TestDiskTier_LockSweep(t *testing.T) {
	root := t.TempDir()
	first, second := newTestDiskTier(t, root), newTestDiskTier(t, root)

	unlock, acquired, err := first.LockSweep()
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = second.LockSweep()
	require.NoError(t, err)
	assert.False(t, acquired, "The lock is held by another handle.")

	unlock()
	unlockSecond, acquired, err := second.LockSweep()
	require.NoError(t, err)
	assert.True(t, acquired)
	unlockSecond()
}

func TestDiskTier_RemovesStaleTempFiles(t *testing.T) {
	root := t.TempDir()
	tmp := filepath.Join(root, "test", "tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	stale, fresh := filepath.Join(tmp, "stale"), filepath.Join(tmp, "fresh")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))
	require.NoError(t, os.WriteFile(fresh, nil, 0o644))
	old := time.Now().Add(-2 * staleTempAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	newTestDiskTier(t, root)
	_, err := os.Stat(stale)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

package containerhost

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// HashBuildDir walks dir in sorted path order, mixing each regular file's
// relative path and full bytes into a single digest. The hex digest is
// the image tag (section 4.1): two builds from byte-identical build
// directories always produce the same tag, so a rebuild of unchanged
// content is a no-op once that tag's image already exists.
func HashBuildDir(dir string) (string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walking build dir %s: %w", dir, err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("opening %s: %w", p, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("hashing %s: %w", p, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashCacheEntry is the contents of tmp/.image_hash_cache.json.
type hashCacheEntry struct {
	Snapshot string `json:"snapshot"`
	Hash     string `json:"hash"`
}

// buildDirSnapshot is a cheap stand-in for HashBuildDir's full content
// hash: it mixes each file's path, size and mtime without reading bytes,
// so it's fast enough to call on every EnsureReady to decide whether the
// expensive content hash needs recomputing.
func buildDirSnapshot(dir string) (string, error) {
	type stamp struct {
		path string
		size int64
		mod  int64
	}
	var stamps []stamp
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		stamps = append(stamps, stamp{path: filepath.ToSlash(rel), size: info.Size(), mod: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("snapshotting build dir %s: %w", dir, err)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].path < stamps[j].path })

	h := sha256.New()
	for _, s := range stamps {
		fmt.Fprintf(h, "%s\x00%d\x00%d\x00", s.path, s.size, s.mod)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBuildDirCached is HashBuildDir memoized against a cheap mtime/size
// snapshot, persisted at cachePath (tmp/.image_hash_cache.json). A tick
// may call EnsureReady more than once (section 4.1); re-walking and
// re-reading every build-dir file on each call is wasted work when
// nothing has changed since the last call. An empty cachePath disables
// the memoization and always recomputes.
func HashBuildDirCached(dir, cachePath string) (string, error) {
	snap, err := buildDirSnapshot(dir)
	if err != nil {
		return "", err
	}

	if cachePath != "" {
		if data, err := os.ReadFile(cachePath); err == nil {
			var entry hashCacheEntry
			if json.Unmarshal(data, &entry) == nil && entry.Snapshot == snap {
				return entry.Hash, nil
			}
		}
	}

	hash, err := HashBuildDir(dir)
	if err != nil {
		return "", err
	}

	if cachePath != "" {
		data, err := json.Marshal(hashCacheEntry{Snapshot: snap, Hash: hash})
		if err == nil {
			if err := os.MkdirAll(filepath.Dir(cachePath), 0o750); err == nil {
				_ = os.WriteFile(cachePath, data, 0o640)
			}
		}
	}

	return hash, nil
}

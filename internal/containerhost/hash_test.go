package containerhost

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeBuildDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestHashBuildDirIsDeterministic(t *testing.T) {
	dir1 := writeBuildDir(t, map[string]string{
		"Containerfile": "FROM scratch\n",
		"assets/a.txt":  "hello",
	})
	dir2 := writeBuildDir(t, map[string]string{
		"Containerfile": "FROM scratch\n",
		"assets/a.txt":  "hello",
	})

	h1, err := HashBuildDir(dir1)
	if err != nil {
		t.Fatalf("HashBuildDir dir1: %v", err)
	}
	h2, err := HashBuildDir(dir2)
	if err != nil {
		t.Fatalf("HashBuildDir dir2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical build dirs should hash equal: %s != %s", h1, h2)
	}
}

func TestHashBuildDirChangesOnByteEdit(t *testing.T) {
	dir := writeBuildDir(t, map[string]string{"Containerfile": "FROM scratch\n"})
	before, err := HashBuildDir(dir)
	if err != nil {
		t.Fatalf("HashBuildDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Containerfile"), []byte("FROM scratch\nRUN true\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	after, err := HashBuildDir(dir)
	if err != nil {
		t.Fatalf("HashBuildDir after edit: %v", err)
	}
	if before == after {
		t.Fatal("hash should change after editing a byte in the build dir")
	}
}

func TestHashBuildDirDistinguishesRenames(t *testing.T) {
	dirA := writeBuildDir(t, map[string]string{"a.txt": "same-bytes"})
	dirB := writeBuildDir(t, map[string]string{"b.txt": "same-bytes"})

	ha, err := HashBuildDir(dirA)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := HashBuildDir(dirB)
	if err != nil {
		t.Fatal(err)
	}
	if ha == hb {
		t.Fatal("hash should mix path, not just content, so renames change the tag")
	}
}

func TestHashBuildDirCachedMatchesUncachedHash(t *testing.T) {
	dir := writeBuildDir(t, map[string]string{"Containerfile": "FROM scratch\n"})
	cachePath := filepath.Join(t.TempDir(), ".image_hash_cache.json")

	want, err := HashBuildDir(dir)
	if err != nil {
		t.Fatalf("HashBuildDir: %v", err)
	}
	got, err := HashBuildDirCached(dir, cachePath)
	if err != nil {
		t.Fatalf("HashBuildDirCached: %v", err)
	}
	if got != want {
		t.Fatalf("HashBuildDirCached = %s, want %s", got, want)
	}
	if _, err := os.Stat(cachePath); err != nil {
		t.Fatalf("want cache file written, got %v", err)
	}
}

func TestHashBuildDirCachedReusesEntryWhenSnapshotUnchanged(t *testing.T) {
	dir := writeBuildDir(t, map[string]string{"Containerfile": "FROM scratch\n"})
	cachePath := filepath.Join(t.TempDir(), ".image_hash_cache.json")

	first, err := HashBuildDirCached(dir, cachePath)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Corrupt the cached hash directly; if the snapshot still matches,
	// HashBuildDirCached must trust the (now-wrong) cached value rather
	// than re-walking the build dir, proving the cache path short-circuits.
	raw, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("reading cache: %v", err)
	}
	tampered := []byte(`{"snapshot":` + extractField(t, raw, "snapshot") + `,"hash":"deadbeef"}`)
	if err := os.WriteFile(cachePath, tampered, 0o640); err != nil {
		t.Fatal(err)
	}

	second, err := HashBuildDirCached(dir, cachePath)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != "deadbeef" {
		t.Fatalf("want cached (tampered) hash to be served when snapshot is unchanged, got %s (first was %s)", second, first)
	}
}

func TestHashBuildDirCachedDisabledWithEmptyPath(t *testing.T) {
	dir := writeBuildDir(t, map[string]string{"Containerfile": "FROM scratch\n"})
	got, err := HashBuildDirCached(dir, "")
	if err != nil {
		t.Fatalf("HashBuildDirCached: %v", err)
	}
	want, err := HashBuildDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("HashBuildDirCached with empty cachePath = %s, want %s", got, want)
	}
}

// extractField pulls a bare JSON field's raw value out of a cache file for
// test tampering purposes, without pulling in the production unmarshal path.
func extractField(t *testing.T, raw []byte, field string) string {
	t.Helper()
	s := string(raw)
	key := `"` + field + `":`
	i := strings.Index(s, key)
	if i < 0 {
		t.Fatalf("field %q not found in %s", field, s)
	}
	rest := s[i+len(key):]
	end := strings.IndexByte(rest, ',')
	if end < 0 {
		end = strings.IndexByte(rest, '}')
	}
	return rest[:end]
}

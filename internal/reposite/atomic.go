package reposite

import (
	"fmt"
	"path/filepath"
)

// SafeWriteFile writes data to a temporary file in the same directory as
// name, syncs it, and renames it into place. Renames on the same
// filesystem are atomic, so a concurrent reader of name either sees the
// old content in full or the new content in full, never a partial write.
// This is the mechanism behind every "atomic rename" guarantee in the
// spec: state.json, schedule.json, and crash_notify.txt. The runtime
// never writes the tick_trigger file; it only reads and removes it.
func (r *Repo) SafeWriteFile(name string, data []byte) error {
	dir := filepath.Dir(name)
	tmp, err := r.fs.CreateTemp(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("couldn't create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer r.fs.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("couldn't write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("couldn't sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("couldn't close temp file: %w", err)
	}
	if err := r.fs.Rename(tmpName, name); err != nil {
		return fmt.Errorf("couldn't rename temp file into place: %w", err)
	}
	return nil
}

// ReadFileWithRetry tolerates a racing writer that is mid-SafeWriteFile:
// if parse fails it retries up to attempts times before giving up. This
// is the "racing consumers must tolerate a write that appears partway
// through a read and retry" requirement in section 5, applied generically
// to any JSON file an external producer may be rewriting concurrently
// (schedule.json). The plain-text tick_trigger file is read once by
// ReadTrigger, without retry.
func ReadFileWithRetry(fs FileOps, path string, attempts int, parse func([]byte) error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		data, err := fs.ReadFile(path)
		if err != nil {
			return err
		}
		if lastErr = parse(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

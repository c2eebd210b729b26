package seal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"repoguard.org/internal/faults"
)

// Marker files written into a contained working tree.
const (
	LockFile  = ".repo-encrypted.lock"
	BlockFile = ".repo-access-blocked"
)

const fileInfoPrefix = "repoguard-file:"

var ErrAlreadySealed = fmt.Errorf("seal: tree already sealed: %w", faults.ErrAlreadyInState)

// Manifest is persisted in LockFile and lists what was sealed.
type Manifest struct {
	Encrypted        bool      `json:"encrypted"`
	Timestamp        time.Time `json:"timestamp"`
	Algorithm        string    `json:"algorithm"`
	KDF              string    `json:"kdf"`
	Reason           string    `json:"reason,omitempty"`
	IncidentID       string    `json:"incidentId,omitempty"`
	OriginalLocation string    `json:"originalLocation,omitempty"`
	DetectedLocation string    `json:"detectedLocation,omitempty"`
	Files            []string  `json:"files"`
	Skipped          []string  `json:"skipped,omitempty"`
}

// BlockInfo is persisted in BlockFile.
type BlockInfo struct {
	Blocked    bool      `json:"blocked"`
	Reason     string    `json:"reason"`
	IncidentID string    `json:"incidentId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message"`
}

type staged struct {
	rel    string
	path   string
	tmp    string
	backup string
}

// renameFile is swapped in tests to fail chosen renames.
var renameFile = os.Rename

// SealTree encrypts every eligible file under root in place and writes the
// lock manifest. Either all files are replaced and the manifest written, or
// the tree is left as it was.
func (s *Sealer) SealTree(root string, m Manifest) (Manifest, error) {
	if existing, err := ReadManifest(root); err == nil {
		return existing, ErrAlreadySealed
	}
	var (
		work    []staged
		skipped []string
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && s.excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name() == LockFile || d.Name() == BlockFile {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() >= s.maxFileBytes {
			skipped = append(skipped, filepath.ToSlash(rel))
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if IsSealed(data) {
			return nil
		}
		sealed, err := s.SealBytes(data, fileInfoPrefix+filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		tmp, err := writeTemp(path, sealed, info.Mode().Perm())
		if err != nil {
			return err
		}
		work = append(work, staged{rel: filepath.ToSlash(rel), path: path, tmp: tmp})
		return nil
	})
	if err != nil {
		discard(work)
		return Manifest{}, fmt.Errorf("seal tree %s: %v: %w", root, err, faults.ErrEncryption)
	}

	m.Encrypted = true
	m.Algorithm = "AES-256-GCM"
	m.KDF = "HKDF-SHA256"
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	m.Files = make([]string, 0, len(work))
	for _, w := range work {
		m.Files = append(m.Files, w.rel)
	}
	sort.Strings(m.Files)
	m.Skipped = skipped

	lockPath := filepath.Join(root, LockFile)
	lockTmp, err := stageJSON(lockPath, m)
	if err != nil {
		discard(work)
		return Manifest{}, fmt.Errorf("seal tree %s: manifest: %v: %w", root, err, faults.ErrEncryption)
	}
	if err := commit(work); err != nil {
		_ = os.Remove(lockTmp)
		return Manifest{}, fmt.Errorf("seal tree %s: %v: %w", root, err, faults.ErrEncryption)
	}
	if err := renameFile(lockTmp, lockPath); err != nil {
		rollback(work)
		_ = os.Remove(lockTmp)
		return Manifest{}, fmt.Errorf("seal tree %s: manifest: %v: %w", root, err, faults.ErrEncryption)
	}
	release(work)
	return m, nil
}

// OpenTree decrypts the files listed in the lock manifest and removes it.
// Either all files are restored or none are.
func (s *Sealer) OpenTree(root string) (Manifest, error) {
	m, err := ReadManifest(root)
	if err != nil {
		return Manifest{}, err
	}
	var work []staged
	for _, rel := range m.Files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		data, err := os.ReadFile(path)
		if err != nil {
			discard(work)
			return Manifest{}, fmt.Errorf("open tree %s: %v: %w", root, err, faults.ErrDecryption)
		}
		if !IsSealed(data) {
			continue
		}
		plain, err := s.OpenBytes(data, fileInfoPrefix+rel)
		if err != nil {
			discard(work)
			return Manifest{}, fmt.Errorf("open tree %s: %s: %w", root, rel, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			discard(work)
			return Manifest{}, fmt.Errorf("open tree %s: %v: %w", root, err, faults.ErrDecryption)
		}
		tmp, err := writeTemp(path, plain, info.Mode().Perm())
		if err != nil {
			discard(work)
			return Manifest{}, fmt.Errorf("open tree %s: %v: %w", root, err, faults.ErrDecryption)
		}
		work = append(work, staged{rel: rel, path: path, tmp: tmp})
	}
	if err := commit(work); err != nil {
		return Manifest{}, fmt.Errorf("open tree %s: %v: %w", root, err, faults.ErrDecryption)
	}
	if err := os.Remove(filepath.Join(root, LockFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		rollback(work)
		return Manifest{}, fmt.Errorf("open tree %s: remove lock: %v: %w", root, err, faults.ErrDecryption)
	}
	release(work)
	return m, nil
}

// ReadManifest loads the lock manifest of a sealed tree.
func ReadManifest(root string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, LockFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("seal: %s not sealed: %w", root, faults.ErrNotFound)
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("seal: manifest: %w", err)
	}
	return m, nil
}

// IsTreeSealed reports whether root carries a lock manifest.
func IsTreeSealed(root string) bool {
	_, err := os.Stat(filepath.Join(root, LockFile))
	return err == nil
}

// Block writes the access-block marker.
func Block(root string, info BlockInfo) error {
	info.Blocked = true
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now().UTC()
	}
	if info.Message == "" {
		info.Message = "Repository access blocked. Contact an administrator."
	}
	return writeJSON(filepath.Join(root, BlockFile), info)
}

// Unblock removes the access-block marker if present.
func Unblock(root string) error {
	err := os.Remove(filepath.Join(root, BlockFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// IsBlocked reports whether root carries the access-block marker.
func IsBlocked(root string) bool {
	_, err := os.Stat(filepath.Join(root, BlockFile))
	return err == nil
}

func writeTemp(path string, data []byte, perm fs.FileMode) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".rgseal-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// commit moves every staged file into place. The replaced file is kept as a
// backup until release; on failure the files already moved are restored.
func commit(work []staged) error {
	for i := range work {
		w := &work[i]
		backup := w.tmp + ".orig"
		if err := renameFile(w.path, backup); err != nil {
			rollback(work[:i])
			discard(work[i:])
			return err
		}
		if err := renameFile(w.tmp, w.path); err != nil {
			_ = os.Rename(backup, w.path)
			rollback(work[:i])
			discard(work[i:])
			return err
		}
		w.backup = backup
	}
	return nil
}

// rollback puts the backups of committed files back, newest first.
func rollback(done []staged) {
	for i := len(done) - 1; i >= 0; i-- {
		if done[i].backup == "" {
			continue
		}
		_ = os.Rename(done[i].backup, done[i].path)
	}
}

func release(done []staged) {
	for _, w := range done {
		if w.backup != "" {
			_ = os.Remove(w.backup)
		}
	}
}

func discard(work []staged) {
	for _, w := range work {
		_ = os.Remove(w.tmp)
	}
}

func stageJSON(path string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return writeTemp(path, data, 0o600)
}

func writeJSON(path string, v any) error {
	tmp, err := stageJSON(path, v)
	if err != nil {
		return err
	}
	if err := renameFile(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

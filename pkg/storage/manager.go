package storage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Manager handles file storage and duplicate detection. Downloads are
// mirrored into per-album directories under the output root, so the key
// for duplicate detection is the album-relative path.
type Manager struct {
	outputDir  string
	downloaded map[string]bool
	mu         sync.RWMutex
}

// NewManager creates a storage manager rooted at outputDir
func NewManager(outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	manager := &Manager{
		outputDir:  outputDir,
		downloaded: make(map[string]bool),
	}

	if err := manager.scanExistingFiles(); err != nil {
		return nil, fmt.Errorf("failed to scan existing files: %w", err)
	}

	return manager, nil
}

// scanExistingFiles walks the output tree so already-downloaded files are
// skipped on a rerun.
func (m *Manager) scanExistingFiles() error {
	return filepath.WalkDir(m.outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".tmp" {
			return nil
		}
		rel, err := filepath.Rel(m.outputDir, path)
		if err != nil {
			return err
		}
		m.downloaded[filepath.ToSlash(rel)] = true
		return nil
	})
}

// IsDownloaded reports whether the album-relative path already exists
func (m *Manager) IsDownloaded(albumDir, filename string) bool {
	key := key(albumDir, filename)

	m.mu.RLock()
	known := m.downloaded[key]
	m.mu.RUnlock()
	if known {
		return true
	}

	// Double-check the filesystem in case the file appeared after startup.
	if _, err := os.Stat(filepath.Join(m.outputDir, filepath.FromSlash(key))); err == nil {
		m.mu.Lock()
		m.downloaded[key] = true
		m.mu.Unlock()
		return true
	}
	return false
}

// SaveFile writes a download into its album directory. The data goes to a
// temp file first and is renamed into place, so an interrupted download
// never leaves a half-written image behind.
func (m *Manager) SaveFile(r io.Reader, albumDir, filename string) (int64, error) {
	key := key(albumDir, filename)
	target := filepath.Join(m.outputDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create album directory: %w", err)
	}

	tempFile := target + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}

	n, err := io.Copy(out, r)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return n, fmt.Errorf("failed to save file data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return n, fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, target); err != nil {
		os.Remove(tempFile)
		return n, fmt.Errorf("failed to rename temporary file: %w", err)
	}

	m.mu.Lock()
	m.downloaded[key] = true
	m.mu.Unlock()

	return n, nil
}

// OutputDir returns the output directory path
func (m *Manager) OutputDir() string {
	return m.outputDir
}

// DownloadedCount returns the number of files known to be on disk
func (m *Manager) DownloadedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.downloaded)
}

func key(albumDir, filename string) string {
	if albumDir == "" {
		return filename
	}
	return albumDir + "/" + filename
}

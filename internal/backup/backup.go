// Package backup snapshots the store's consolidated files into
// timestamped directories: the text layer's summary files, the engine
// state file, and a consistent copy of the graph database.
package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Manager creates and prunes snapshot directories under root.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager creates the backup root directory if needed.
func NewManager(root string, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("backup: creating root: %w", err)
	}
	return &Manager{root: root, logger: logger}, nil
}

// NewSnapshotDir creates a fresh timestamped snapshot directory.
func (m *Manager) NewSnapshotDir() (string, error) {
	dir := filepath.Join(m.root, time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: creating snapshot dir: %w", err)
	}
	return dir, nil
}

// CopyFile copies src into dir, returning the file name copied. A missing
// source is skipped, not an error.
func (m *Manager) CopyFile(src, dir string) (string, error) {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("backup: stat %s: %w", src, err)
	}

	name := filepath.Base(src)
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("backup: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("backup: creating %s: %w", name, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("backup: copying %s: %w", name, err)
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("backup: syncing %s: %w", name, err)
	}
	return name, nil
}

// SnapshotSQLite writes a consistent point-in-time copy of the database
// at sourcePath into dir using VACUUM INTO, which handles WAL mode
// correctly. Returns the file name written, or "" when the source does
// not exist.
func (m *Manager) SnapshotSQLite(sourcePath, dir string) (string, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("backup: stat %s: %w", sourcePath, err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return "", fmt.Errorf("backup: opening source database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return "", fmt.Errorf("backup: pinging source database: %w", err)
	}

	name := filepath.Base(sourcePath)
	destPath := filepath.Join(dir, name)
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return "", fmt.Errorf("backup: vacuuming into %s: %w", destPath, err)
	}

	m.logger.Debug("graph database snapshotted", zap.String("dest", destPath))
	return name, nil
}

// Prune removes the oldest snapshot directories, keeping the newest
// `keep`. Returns the number removed.
func (m *Manager) Prune(keep int) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("backup: reading root: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	if len(dirs) <= keep {
		return 0, nil
	}

	// Directory names are timestamps, so lexical order is age order.
	sort.Strings(dirs)
	removed := 0
	for _, name := range dirs[:len(dirs)-keep] {
		if err := os.RemoveAll(filepath.Join(m.root, name)); err != nil {
			return removed, fmt.Errorf("backup: removing %s: %w", name, err)
		}
		removed++
	}
	m.logger.Info("pruned old snapshots", zap.Int("removed", removed), zap.Int("kept", keep))
	return removed, nil
}

package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/foreman/internal/clock"
)

// PreviousDir is the subdirectory that links to the prior attempt's files.
const PreviousDir = "previous"

// FSManager keeps attempt workspaces as sibling directories under one base dir.
type FSManager struct {
	base string
	clk  clock.Clock
}

var _ Manager = (*FSManager)(nil)

func NewFSManager(baseDir string, clk clock.Clock) (*FSManager, error) {
	base := strings.TrimSpace(baseDir)
	if base == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	return &FSManager{base: filepath.Clean(base), clk: clk}, nil
}

// AttemptID names the workspace of one attempt; attempt 0 is the first dispatch.
func AttemptID(unitID string, attempt int) string {
	return fmt.Sprintf("%s-r%d", unitID, attempt)
}

func (m *FSManager) Prepare(ctx context.Context, unitID string, attempt int) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	if attempt < 0 {
		return Workspace{}, fmt.Errorf("attempt %d is negative", attempt)
	}
	dir, err := m.dir(unitID, attempt)
	if err != nil {
		return Workspace{}, err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspace %s: %w", filepath.Base(dir), err)
	}
	ws := Workspace{UnitID: unitID, Attempt: attempt, Dir: dir}
	if attempt == 0 {
		return ws, nil
	}

	prev, err := m.Open(ctx, unitID, attempt-1)
	if err != nil {
		// A revision without its predecessor still runs; the feedback travels in the assignment.
		return ws, nil
	}
	if err := linkTree(ctx, prev.Dir, filepath.Join(dir, PreviousDir)); err != nil {
		_ = os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("carry attempt %d into %d: %w", attempt-1, attempt, err)
	}
	return ws, nil
}

func (m *FSManager) Open(ctx context.Context, unitID string, attempt int) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	dir, err := m.dir(unitID, attempt)
	if err != nil {
		return Workspace{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Workspace{}, fmt.Errorf("open workspace %s: %w", filepath.Base(dir), err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("workspace %s is not a directory", filepath.Base(dir))
	}
	return Workspace{UnitID: unitID, Attempt: attempt, Dir: dir}, nil
}

// Cleanup judges age by directory mtime against the manager's clock.
func (m *FSManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	var report CleanupReport
	if olderThan <= 0 {
		return report, fmt.Errorf("cleanup age must be positive, got %s", olderThan)
	}
	entries, err := os.ReadDir(m.base)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.clk.Now().Add(-olderThan)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.base, e.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %s: %w", e.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func (m *FSManager) dir(unitID string, attempt int) (string, error) {
	id := AttemptID(strings.TrimSpace(unitID), attempt)
	if err := validateID(unitID); err != nil {
		return "", fmt.Errorf("unit id: %w", err)
	}
	return filepath.Join(m.base, id), nil
}

// linkTree mirrors src into dst with hard links, so carrying an attempt forward
// costs no copies. Nested previous/ directories are skipped to keep one generation.
func linkTree(ctx context.Context, src, dst string) error {
	if err := os.Mkdir(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() && rel == PreviousDir {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		switch t := d.Type(); {
		case d.IsDir():
			return os.Mkdir(target, 0o755)
		case t.IsRegular():
			return os.Link(path, target)
		case t&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return fmt.Errorf("%s: unsupported file type %s", rel, t)
		}
	})
}

func validateID(id string) error {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return fmt.Errorf("id is empty")
	case id == "." || id == "..":
		return fmt.Errorf("id %q is invalid", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("id %q must not contain path separators", id)
	}
	return nil
}

// Package textlog implements the durable text layer: append-only markdown
// logs partitioned by date and project, plus a consolidated summary file.
// It is the layer of last resort — always available by construction on the
// local filesystem — so the human-readable history survives even when every
// other layer is down.
package textlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

const (
	dailyDir    = "daily"
	projectsDir = "projects"
	summaryFile = "MEMORY.md"
)

// Log writes the text layer under a store directory.
type Log struct {
	root   string
	logger *zap.Logger
}

// New creates the text layer rooted at dir, creating the partition
// directories as needed.
func New(dir string, logger *zap.Logger) (*Log, error) {
	for _, sub := range []string{dailyDir, projectsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("textlog: creating %s: %w", sub, err)
		}
	}
	return &Log{root: dir, logger: logger}, nil
}

var _ storage.TextLog = (*Log)(nil)

// Append writes the record to today's daily log and, when it names a
// project, to that project's log as well.
func (l *Log) Append(m *types.Memory) error {
	entry := formatEntry(m)
	day := time.Now().UTC().Format("2006-01-02")

	dailyPath := filepath.Join(l.root, dailyDir, day+".md")
	if err := appendWithHeader(dailyPath, "# Memory Log: "+day+"\n\n", entry); err != nil {
		return fmt.Errorf("textlog: daily append: %w", err)
	}

	if m.Project != "" {
		projectPath := filepath.Join(l.root, projectsDir, sanitizeName(m.Project)+".md")
		if err := appendWithHeader(projectPath, "# Project: "+m.Project+"\n\n", entry); err != nil {
			return fmt.Errorf("textlog: project append: %w", err)
		}
	}

	l.logger.Debug("text layer append", zap.String("id", m.ID), zap.String("type", string(m.Type)))
	return nil
}

// AppendNote records a short audit line (update, forget) in the daily log.
func (l *Log) AppendNote(id, note string) error {
	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(l.root, dailyDir, day+".md")
	line := fmt.Sprintf("- %s `%s` — %s\n", time.Now().UTC().Format(time.RFC3339), id, note)
	if err := appendWithHeader(path, "# Memory Log: "+day+"\n\n", line); err != nil {
		return fmt.Errorf("textlog: note append: %w", err)
	}
	return nil
}

// RewriteSummary regenerates the consolidated summary file from the active
// records, grouped by type. The file is rewritten wholesale; the daily logs
// remain the append-only history.
func (l *Log) RewriteSummary(active []types.Memory) error {
	var b strings.Builder
	b.WriteString("# Memory\n\n")
	b.WriteString(fmt.Sprintf("_%d active memories as of %s_\n\n", len(active), time.Now().UTC().Format(time.RFC3339)))

	byType := map[types.MemoryType][]types.Memory{}
	for _, m := range active {
		byType[m.Type] = append(byType[m.Type], m)
	}
	for _, mt := range types.MemoryTypes {
		group := byType[mt]
		if len(group) == 0 {
			continue
		}
		b.WriteString("## " + strings.ToUpper(string(mt)) + "\n\n")
		for _, m := range group {
			b.WriteString(fmt.Sprintf("- `%s` (importance %d) %s\n", m.ID, m.Importance, m.DeriveSummary()))
		}
		b.WriteString("\n")
	}

	path := filepath.Join(l.root, summaryFile)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("textlog: rewriting summary: %w", err)
	}
	return nil
}

// Snapshot copies the consolidated summary file into dir, returning the
// names of the files copied. Missing files are skipped, not errors.
func (l *Log) Snapshot(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("textlog: creating snapshot dir: %w", err)
	}

	var backed []string
	for _, name := range []string{summaryFile} {
		src := filepath.Join(l.root, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return backed, fmt.Errorf("textlog: snapshot %s: %w", name, err)
		}
		backed = append(backed, name)
	}
	return backed, nil
}

// formatEntry renders one record as a markdown section. The layout is
// stable so the daily logs stay grep-able.
func formatEntry(m *types.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s\n", strings.ToUpper(string(m.Type)), m.DeriveSummary())
	fmt.Fprintf(&b, "- **ID:** `%s`\n", m.ID)
	fmt.Fprintf(&b, "- **Importance:** %s (%d/10)\n", strings.Repeat("*", m.Importance), m.Importance)
	fmt.Fprintf(&b, "- **Time:** %s\n", m.Created.UTC().Format(time.RFC3339))
	if m.Project != "" {
		fmt.Fprintf(&b, "- **Project:** %s\n", m.Project)
	}
	if len(m.Entities) > 0 {
		n := len(m.Entities)
		if n > 8 {
			n = 8
		}
		fmt.Fprintf(&b, "- **Entities:** %s\n", strings.Join(m.Entities[:n], ", "))
	}
	if len(m.Tags) > 0 {
		tagged := make([]string, len(m.Tags))
		for i, t := range m.Tags {
			tagged[i] = "#" + t
		}
		fmt.Fprintf(&b, "- **Tags:** %s\n", strings.Join(tagged, ", "))
	}
	fmt.Fprintf(&b, "- **Confidence:** %g\n", m.Confidence)
	if m.DecayDays != nil {
		fmt.Fprintf(&b, "- **Expires:** %d days\n", *m.DecayDays)
	}
	if m.Supersedes != "" {
		fmt.Fprintf(&b, "- **Supersedes:** `%s`\n", m.Supersedes)
	}
	if m.SourceChannel != "" {
		fmt.Fprintf(&b, "- **Source:** %s", m.SourceChannel)
		if m.SourceMessageID != "" {
			fmt.Fprintf(&b, " (%s)", m.SourceMessageID)
		}
		b.WriteString("\n")
	}
	if m.DeleteReason != "" {
		fmt.Fprintf(&b, "- **Delete Reason:** %s\n", m.DeleteReason)
	}
	fmt.Fprintf(&b, "\n%s\n\n---\n\n", m.Content)
	return b.String()
}

// appendWithHeader appends content to path, writing the header first when
// the file does not exist yet.
func appendWithHeader(path, header, content string) error {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if os.IsNotExist(statErr) {
		if _, err := f.WriteString(header); err != nil {
			return err
		}
	}
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}

// sanitizeName makes a project name safe as a file name.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

package textlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/engramdb/engram/pkg/types"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	return l, dir
}

func testMemory() *types.Memory {
	decay := 30
	return &types.Memory{
		ID:         "mem-123",
		Content:    "Use pgbouncer in transaction mode for the API pool",
		Type:       types.TypeDecision,
		Importance: 7,
		Confidence: 0.9,
		DecayDays:  &decay,
		Project:    "billing",
		Tags:       []string{"infra"},
		Entities:   []string{"pgbouncer"},
		Created:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestAppendWritesDailyAndProjectLogs(t *testing.T) {
	l, dir := newTestLog(t)
	m := testMemory()

	require.NoError(t, l.Append(m))

	day := time.Now().UTC().Format("2006-01-02")
	daily, err := os.ReadFile(filepath.Join(dir, "daily", day+".md"))
	require.NoError(t, err)
	content := string(daily)
	assert.True(t, strings.HasPrefix(content, "# Memory Log: "+day))
	assert.Contains(t, content, "## [DECISION]")
	assert.Contains(t, content, "`mem-123`")
	assert.Contains(t, content, "- **Importance:** ******* (7/10)")
	assert.Contains(t, content, "- **Expires:** 30 days")
	assert.Contains(t, content, "#infra")
	assert.Contains(t, content, m.Content)

	project, err := os.ReadFile(filepath.Join(dir, "projects", "billing.md"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(project), "# Project: billing"))
	assert.Contains(t, string(project), "`mem-123`")
}

func TestAppendHeaderWrittenOnce(t *testing.T) {
	l, dir := newTestLog(t)

	require.NoError(t, l.Append(testMemory()))
	second := testMemory()
	second.ID = "mem-456"
	require.NoError(t, l.Append(second))

	day := time.Now().UTC().Format("2006-01-02")
	daily, err := os.ReadFile(filepath.Join(dir, "daily", day+".md"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(daily), "# Memory Log: "+day))
	assert.Contains(t, string(daily), "`mem-123`")
	assert.Contains(t, string(daily), "`mem-456`")
}

func TestAppendNote(t *testing.T) {
	l, dir := newTestLog(t)

	require.NoError(t, l.AppendNote("mem-123", "[UPDATED] fields: importance"))

	day := time.Now().UTC().Format("2006-01-02")
	daily, err := os.ReadFile(filepath.Join(dir, "daily", day+".md"))
	require.NoError(t, err)
	assert.Contains(t, string(daily), "`mem-123`")
	assert.Contains(t, string(daily), "[UPDATED] fields: importance")
}

func TestRewriteSummaryGroupsByType(t *testing.T) {
	l, dir := newTestLog(t)

	active := []types.Memory{
		{ID: "a", Content: "always run migrations first", Type: types.TypeInstruction, Importance: 9},
		{ID: "b", Content: "picked sqlite for the graph layer", Type: types.TypeDecision, Importance: 7},
		{ID: "c", Content: "team prefers tabs", Type: types.TypePreference, Importance: 4},
	}
	require.NoError(t, l.RewriteSummary(active))

	data, err := os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "_3 active memories")
	assert.Contains(t, content, "## INSTRUCTION")
	assert.Contains(t, content, "## DECISION")
	assert.Contains(t, content, "## PREFERENCE")
	assert.NotContains(t, content, "## TASK")

	// Instructions come before decisions in the type ordering.
	assert.Less(t, strings.Index(content, "## INSTRUCTION"), strings.Index(content, "## DECISION"))

	// Rewrites replace, never append.
	require.NoError(t, l.RewriteSummary(active[:1]))
	data, err = os.ReadFile(filepath.Join(dir, "MEMORY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "_1 active memories")
	assert.NotContains(t, string(data), "## DECISION")
}

func TestSnapshot(t *testing.T) {
	l, dir := newTestLog(t)
	require.NoError(t, l.RewriteSummary([]types.Memory{{ID: "a", Content: "x", Type: types.TypeNote, Importance: 5}}))

	backupDir := filepath.Join(dir, "backup-1")
	files, err := l.Snapshot(backupDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"MEMORY.md"}, files)

	_, err = os.Stat(filepath.Join(backupDir, "MEMORY.md"))
	assert.NoError(t, err)
}

func TestSnapshotWithNothingToCopy(t *testing.T) {
	l, dir := newTestLog(t)

	files, err := l.Snapshot(filepath.Join(dir, "backup-empty"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestProjectNameSanitized(t *testing.T) {
	l, dir := newTestLog(t)
	m := testMemory()
	m.Project = "web/frontend"

	require.NoError(t, l.Append(m))

	_, err := os.Stat(filepath.Join(dir, "projects", "web-frontend.md"))
	assert.NoError(t, err)
}

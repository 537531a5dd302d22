package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListOptionsNormalize(t *testing.T) {
	o := ListOptions{SortBy: "rowid; DROP TABLE memories", SortOrder: "sideways", Page: -3, PageSize: 500}
	o.Normalize()
	assert.Equal(t, "created", o.SortBy)
	assert.Equal(t, "desc", o.SortOrder)
	assert.Equal(t, 1, o.Page)
	assert.Equal(t, 100, o.PageSize)

	o = ListOptions{SortBy: "importance", SortOrder: "asc", Page: 3, PageSize: 10}
	o.Normalize()
	assert.Equal(t, "importance", o.SortBy)
	assert.Equal(t, "asc", o.SortOrder)
	assert.Equal(t, 20, o.Offset())
}

func TestUpdateFieldsNames(t *testing.T) {
	var u UpdateFields
	assert.Empty(t, u.Names())

	content := "new content"
	importance := 7
	u = UpdateFields{Content: &content, Importance: &importance}
	assert.Equal(t, []string{"content", "importance"}, u.Names())
}

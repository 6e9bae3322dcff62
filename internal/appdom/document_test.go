package appdom

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

const sampleDocument = `
version: 1
name: shop
nodes:
  - name: listOrders
    dataSource: db
    query: "select * from orders where status = :status"
    params:
      status: open
    transform:
      enabled: true
      expression: "len(data)"
  - name: greet
    type: query
    dataSource: local
    query:
      function: hello
`

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "application.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, "shop", doc.Name)
	require.Len(t, doc.Nodes, 2)
	assert.Equal(t, NodeQuery, doc.Nodes[0].Type, "type defaults to query")
	assert.Equal(t, []string{"greet", "listOrders"}, Names(doc))
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"syntax":      "nodes: [",
		"no name":     "nodes:\n  - dataSource: db\n",
		"no source":   "nodes:\n  - name: q\n",
		"duplicate":   "nodes:\n  - {name: q, dataSource: a}\n  - {name: q, dataSource: b}\n",
		"empty entry": "nodes:\n  -\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation), "got %v", err)
		})
	}
}

func TestGetNodeByName(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	node := GetNodeByName(doc, "greet")
	require.NotNil(t, node)
	assert.Equal(t, "local", node.DataSource)

	assert.Nil(t, GetNodeByName(doc, "missing"))
	assert.Nil(t, GetNodeByName(nil, "greet"))
}

func TestNode_Descriptor(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	desc, err := GetNodeByName(doc, "listOrders").Descriptor(map[string]any{"status": "closed", "limit": 5})
	require.NoError(t, err)

	assert.Equal(t, "db", desc.DataSourceID)
	assert.JSONEq(t, `"select * from orders where status = :status"`, string(desc.Query))
	assert.Equal(t, map[string]any{"status": "closed", "limit": 5}, desc.Params)
	require.NotNil(t, desc.Transform)
	assert.Equal(t, "len(data)", desc.Transform.Expression)

	desc, err = GetNodeByName(doc, "greet").Descriptor(nil)
	require.NoError(t, err)
	var q map[string]any
	require.NoError(t, json.Unmarshal(desc.Query, &q))
	assert.Equal(t, "hello", q["function"])
	assert.Empty(t, desc.Params)
}

func TestStore_MissingFileIsEmpty(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "application.yaml"))

	doc, err := store.LoadDocument(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.Nodes)
}

func TestStore_ReloadsOnChange(t *testing.T) {
	path := writeDocument(t, sampleDocument)
	store := NewStore(path)

	doc, err := store.LoadDocument(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 2)

	again, err := store.LoadDocument(context.Background())
	require.NoError(t, err)
	assert.Same(t, doc, again, "unchanged file is served from cache")

	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - {name: only, dataSource: db, query: select 1}\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	doc, err = store.LoadDocument(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, Names(doc))
}

func TestStore_CancelledContext(t *testing.T) {
	store := NewStore(writeDocument(t, sampleDocument))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.LoadDocument(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

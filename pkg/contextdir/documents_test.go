package contextdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDocuments(t *testing.T) (*Documents, string) {
	dir := t.TempDir()
	docs, err := NewDocuments(filepath.Join(dir, "context"), filepath.Join(dir, "CLAUDE.md"))
	require.NoError(t, err)
	return docs, dir
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		shouldErr bool
	}{
		{"simple", "notes", false},
		{"dash underscore", "my-skill_v2", false},
		{"empty", "", true},
		{"dot", "a.b", true},
		{"slash", "a/b", true},
		{"traversal", "..", true},
		{"space", "a b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.doc)
			if tt.shouldErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDocuments_CreateGetDelete(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	require.NoError(t, docs.Create("notes", "remember the milk"))

	content, err := docs.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, "remember the milk", content)

	// Create on existing conflicts
	assert.ErrorIs(t, docs.Create("notes", "other"), ErrDocumentExists)

	require.NoError(t, docs.Delete("notes"))
	_, err = docs.Get("notes")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.ErrorIs(t, docs.Delete("notes"), ErrDocumentNotFound)
}

func TestDocuments_PutOverwrites(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	require.NoError(t, docs.Put("notes", "v1"))
	require.NoError(t, docs.Put("notes", "v2"))

	content, err := docs.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, "v2", content)
}

func TestDocuments_InvalidNamesRejectedEverywhere(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	assert.ErrorIs(t, docs.Create("../escape", "x"), ErrInvalidName)
	_, err := docs.Get("../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.ErrorIs(t, docs.Put("bad.name", "x"), ErrInvalidName)
	assert.ErrorIs(t, docs.Delete("bad/name"), ErrInvalidName)
}

func TestDocuments_List(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	require.NoError(t, docs.Put("alpha", "a"))
	require.NoError(t, docs.Put("beta", "b"))
	require.NoError(t, docs.PutRoot("# Root\n@context/alpha.md\n"))

	infos, err := docs.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "alpha", infos[0].Name)
	assert.True(t, infos[0].Included)
	assert.Equal(t, "beta", infos[1].Name)
	assert.False(t, infos[1].Included)
}

func TestDocuments_NamesSkipsReserved(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	require.NoError(t, docs.Put("skill-a", "a"))
	require.NoError(t, docs.Put(StateDocument, "dynamic"))
	require.NoError(t, docs.Put(HistoryDocument, "dynamic"))

	names, err := docs.Names(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"skill-a"}, names)

	all, err := docs.Names(true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"skill-a", StateDocument, HistoryDocument}, all)
}

func TestDocuments_Root(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	_, err := docs.GetRoot()
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, docs.PutRoot("# Agent"))
	content, err := docs.GetRoot()
	require.NoError(t, err)
	assert.Equal(t, "# Agent", content)
}

func TestDocuments_NonMarkdownFilesIgnored(t *testing.T) {
	docs, _ := setupTestDocuments(t)

	require.NoError(t, os.WriteFile(filepath.Join(docs.Dir(), "stray.txt"), []byte("x"), 0600))

	infos, err := docs.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

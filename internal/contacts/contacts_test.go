package contacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_SaveLoadDelete(t *testing.T) {
	d := NewDirectory(filepath.Join(t.TempDir(), "contacts"))

	require.NoError(t, d.Save(Contact{Name: "Ada Lovelace", UserID: "tutor-1", Role: RoleTutor, Email: "ada@example.com"}))
	require.NoError(t, d.Save(Contact{Name: "  bob  ", UserID: "student-2"}))

	c, err := d.Load("tutor-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", c.Name)
	assert.Equal(t, RoleTutor, c.Role)

	all, err := d.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Ada Lovelace", all[0].Name)
	assert.Equal(t, "bob", all[1].Name)

	require.NoError(t, d.Delete("student-2"))
	_, err = d.Load("student-2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, d.Delete("student-2"), ErrNotFound)

	all, err = d.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDirectory_SaveValidation(t *testing.T) {
	d := NewDirectory(t.TempDir())
	tests := []struct {
		name    string
		contact Contact
	}{
		{"missing name", Contact{UserID: "tutor-1"}},
		{"blank name", Contact{Name: "  ", UserID: "tutor-1"}},
		{"missing user id", Contact{Name: "Ada"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, d.Save(tt.contact))
		})
	}
}

func TestDirectory_DisplayName(t *testing.T) {
	dir := t.TempDir()
	d := NewDirectory(dir)
	require.NoError(t, d.Save(Contact{Name: "Ada Lovelace", UserID: "tutor-1"}))

	assert.Equal(t, "Ada Lovelace", d.DisplayName("tutor-1"))
	assert.Equal(t, "student-9", d.DisplayName("student-9"))
	assert.Empty(t, d.NameFor(""))

	// Files that are not contacts are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte(": : :"), 0o644))
	d.Invalidate()
	all, err := d.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDirectory_MissingDirIsEmpty(t *testing.T) {
	d := NewDirectory(filepath.Join(t.TempDir(), "nope"))
	all, err := d.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDirectory_Resolve(t *testing.T) {
	d := NewDirectory(t.TempDir())
	require.NoError(t, d.Save(Contact{Name: "Ada Lovelace", UserID: "tutor-1"}))

	assert.Equal(t, "tutor-1", d.Resolve("ada lovelace"))
	assert.Equal(t, "tutor-1", d.Resolve(" tutor-1 "))
	assert.Equal(t, "student-7", d.Resolve("student-7"))
}

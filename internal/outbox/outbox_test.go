package outbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saravenpi/tutorchat/internal/models"
)

func TestJournal_PutLoadDelete(t *testing.T) {
	ctx := context.Background()
	path := GetPath(filepath.Join(t.TempDir(), "data"), "student-1")

	j, err := Open(path)
	require.NoError(t, err)

	actions := []models.Action{
		{Kind: models.ActionCreateConversation, Token: "C1", ConversationID: "local-1", Participants: []string{"student-1", "tutor-1"}},
		{Kind: models.ActionSendMessage, Token: "T1", ConversationID: "local-1", Content: "Hello"},
		{Kind: models.ActionAddParticipant, Token: "A1", ConversationID: "g1", UserID: "U5"},
	}
	for _, a := range actions {
		require.NoError(t, j.Put(ctx, a))
	}
	// Journaling the same token twice keeps the first position.
	require.NoError(t, j.Put(ctx, actions[0]))

	require.NoError(t, j.Delete(ctx, "T1"))
	require.NoError(t, j.Close())

	// Survives a reopen.
	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, actions[0], entries[0].Action)
	assert.Equal(t, actions[2], entries[1].Action)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestJournal_PutRejectsUnencodable(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.Put(context.Background(), models.Action{Kind: "teleport", Token: "x"}))
}

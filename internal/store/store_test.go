package store

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saravenpi/tutorchat/internal/models"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New("student-1")
	clock := base
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	s.UpsertConversation(models.Conversation{ID: "c1", Participants: []string{"student-1", "tutor-1"}}, at(0))
	return s
}

func collect(s *Store, id string) []models.Message {
	return slices.Collect(s.Messages(id))
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestAppendMessage_IdempotentByID(t *testing.T) {
	s := newTestStore(t)
	m := models.Message{ID: "m1", SenderID: "tutor-1", Content: "hi", Timestamp: at(1)}

	assert.Equal(t, Appended, s.AppendMessage("c1", m))
	assert.Equal(t, Duplicate, s.AppendMessage("c1", m))
	assert.Len(t, collect(s, "c1"), 1)
}

func TestAppendMessage_ReplacesPendingInPlace(t *testing.T) {
	s := newTestStore(t)
	s.AddPending(models.Message{ID: "local-1", Token: "T1", ConversationID: "c1", SenderID: "student-1", Content: "Hello", Timestamp: at(1)})
	s.AppendMessage("c1", models.Message{ID: "m2", SenderID: "tutor-1", Content: "Hey there", Timestamp: at(2)})

	out := s.AppendMessage("c1", models.Message{ID: "M99", Token: "T1", SenderID: "student-1", Content: "Hello", Timestamp: at(3)})
	assert.Equal(t, Replaced, out)

	msgs := collect(s, "c1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "M99", msgs[0].ID)
	assert.Equal(t, models.MessageConfirmed, msgs[0].State)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.False(t, msgs[0].Timestamp.After(msgs[1].Timestamp))
}

func TestAppendMessage_FailedMessageConfirmedByLateAck(t *testing.T) {
	s := newTestStore(t)
	s.AddPending(models.Message{ID: "local-1", Token: "T1", ConversationID: "c1", SenderID: "student-1", Content: "Hello"})
	require.True(t, s.MarkFailed("T1", "timeout"))

	assert.Equal(t, Replaced, s.AppendMessage("c1", models.Message{ID: "M1", Token: "T1", SenderID: "student-1", Content: "Hello", Timestamp: at(5)}))

	msgs := collect(s, "c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageConfirmed, msgs[0].State)
	assert.Empty(t, msgs[0].Error)
}

// Any interleaving of appends sharing a submission token leaves exactly one
// message for that token.
func TestAppendMessage_OneMessagePerToken(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 200; round++ {
		s := newTestStore(t)
		if rng.IntN(2) == 0 {
			s.AddPending(models.Message{ID: "local-1", Token: "T1", ConversationID: "c1", SenderID: "student-1", Content: "Hello"})
		}
		for i := 0; i < 1+rng.IntN(6); i++ {
			s.AppendMessage("c1", models.Message{
				ID:        fmt.Sprintf("M%d", rng.IntN(3)),
				Token:     "T1",
				SenderID:  "student-1",
				Content:   "Hello",
				Timestamp: at(rng.IntN(10)),
			})
		}

		count := 0
		for m := range s.Messages("c1") {
			if m.Token == "T1" {
				count++
			}
		}
		require.Equal(t, 1, count, "round %d", round)
	}
}

func TestMessages_SortedByTimestamp(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	s := newTestStore(t)

	for i := 0; i < 300; i++ {
		switch rng.IntN(4) {
		case 0:
			token := fmt.Sprintf("T%d", i)
			s.AddPending(models.Message{ID: "local-" + token, Token: token, ConversationID: "c1", SenderID: "student-1", Content: "x", Timestamp: at(rng.IntN(100))})
		case 1:
			s.AppendMessage("c1", models.Message{ID: fmt.Sprintf("M%d", i), Token: fmt.Sprintf("T%d", rng.IntN(i+1)), SenderID: "student-1", Timestamp: at(rng.IntN(100))})
		default:
			s.AppendMessage("c1", models.Message{ID: fmt.Sprintf("R%d", i), SenderID: "tutor-1", Timestamp: at(rng.IntN(100))})
		}

		msgs := collect(s, "c1")
		require.True(t, slices.IsSortedFunc(msgs, func(a, b models.Message) int {
			return a.Timestamp.Compare(b.Timestamp)
		}), "history out of order after step %d", i)
	}
}

func TestAppendMessage_ReceiptOrderWins(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("c1", models.Message{ID: "M1", SenderID: "tutor-1", Timestamp: at(10)})
	s.AppendMessage("c1", models.Message{ID: "M2", SenderID: "tutor-1", Timestamp: at(4)})

	assert.Equal(t, []string{"M1", "M2"}, ids(collect(s, "c1")))
}

func TestAppendMessage_MaterializesUnknownConversation(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("c9", models.Message{ID: "m1", SenderID: "tutor-7", Timestamp: at(1)})

	conv, ok := s.Conversation("c9")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"tutor-7", "student-1"}, conv.Participants)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 4; i++ {
		s.AppendMessage("c1", models.Message{ID: fmt.Sprintf("m%d", i), SenderID: "tutor-1", Timestamp: at(i)})
	}
	conv, _ := s.Conversation("c1")
	require.Equal(t, 4, conv.UnreadCount)

	require.NoError(t, s.MarkRead("c1", "m2"))
	conv, _ = s.Conversation("c1")
	assert.Equal(t, 2, conv.UnreadCount)

	// The cursor never moves backwards.
	require.NoError(t, s.MarkRead("c1", "m1"))
	conv, _ = s.Conversation("c1")
	assert.Equal(t, 2, conv.UnreadCount)

	msgs := collect(s, "c1")
	assert.True(t, msgs[0].Read)
	assert.True(t, msgs[1].Read)
	assert.False(t, msgs[2].Read)

	assert.ErrorIs(t, s.MarkRead("c1", "nope"), ErrNotFound)
	assert.ErrorIs(t, s.MarkRead("c404", "m1"), ErrNotFound)
}

func TestMarkRead_NeverIncreasesUnread(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	s := newTestStore(t)
	for i := 0; i < 50; i++ {
		s.AppendMessage("c1", models.Message{ID: fmt.Sprintf("m%d", i), SenderID: "tutor-1", Timestamp: at(rng.IntN(60))})
	}

	for i := 0; i < 100; i++ {
		before, _ := s.Conversation("c1")
		require.NoError(t, s.MarkRead("c1", fmt.Sprintf("m%d", rng.IntN(50))))
		after, _ := s.Conversation("c1")
		require.LessOrEqual(t, after.UnreadCount, before.UnreadCount)
	}
}

func TestUpsertConversation_FieldWiseLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	s.UpsertConversation(models.Conversation{ID: "c1", Name: "Calculus", Participants: []string{"student-1", "tutor-1"}}, at(10))

	// Older remote write loses.
	s.UpsertConversation(models.Conversation{ID: "c1", Name: "Stale", Participants: []string{"student-1", "tutor-1"}}, at(5))
	conv, _ := s.Conversation("c1")
	assert.Equal(t, "Calculus", conv.Name)

	// Newer write wins.
	s.UpsertConversation(models.Conversation{ID: "c1", Name: "Calculus II", Participants: []string{"student-1", "tutor-1"}}, at(11))
	conv, _ = s.Conversation("c1")
	assert.Equal(t, "Calculus II", conv.Name)
	assert.Equal(t, at(11), conv.UpdatedAt)
}

func TestParticipants(t *testing.T) {
	s := newTestStore(t)
	s.UpsertConversation(models.Conversation{ID: "g1", IsGroup: true, Participants: []string{"student-1", "tutor-1"}}, at(0))

	require.NoError(t, s.AddParticipant("g1", "U5", at(1)))
	err := s.AddParticipant("g1", "U5", at(2))
	assert.ErrorIs(t, err, models.ErrConflict)

	conv, _ := s.Conversation("g1")
	assert.Equal(t, []string{"student-1", "tutor-1", "U5"}, conv.Participants)

	assert.ErrorIs(t, s.AddParticipant("c1", "U5", at(1)), models.ErrConflict, "direct conversation stays at two")
	assert.ErrorIs(t, s.RemoveParticipant("c1", "tutor-1", at(1)), models.ErrConflict, "direct conversation cannot shrink")
	assert.ErrorIs(t, s.RemoveParticipant("g1", "nobody", at(1)), models.ErrConflict)

	require.NoError(t, s.RemoveParticipant("g1", "U5", at(3)))
	assert.ErrorIs(t, s.RemoveParticipant("g1", "tutor-1", at(4)), models.ErrConflict, "group keeps two participants")
	assert.ErrorIs(t, s.AddParticipant("c404", "U5", at(1)), ErrNotFound)
}

func TestApplyParticipantEvents_UnknownConversation(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.ApplyParticipantAdded("g9", "student-1", at(1)))
	s.AppendMessage("g9", models.Message{ID: "m1", SenderID: "tutor-1", Content: "Welcome!", Timestamp: at(2)})
	conv, ok := s.Conversation("g9")
	require.True(t, ok)
	assert.False(t, conv.IsGroup)

	require.NoError(t, s.ApplyParticipantAdded("g9", "U7", at(3)))
	conv, _ = s.Conversation("g9")
	assert.True(t, conv.IsGroup, "a third member makes it a group")
	assert.ElementsMatch(t, []string{"student-1", "tutor-1", "U7"}, conv.Participants)

	require.NoError(t, s.ApplyParticipantRemoved("g9", "U7", at(4)))
	require.NoError(t, s.ApplyParticipantRemoved("g9", "tutor-1", at(5)), "member count is not enforced without metadata")
	assert.ErrorIs(t, s.ApplyParticipantAdded("g9", "student-1", at(6)), models.ErrConflict)

	assert.ErrorIs(t, s.ApplyParticipantRemoved("g10", "tutor-1", at(1)), models.ErrConflict)
	_, ok = s.Conversation("g10")
	assert.True(t, ok, "removal events materialize too")
}

func TestApplyParticipantAdded_KnownDirectConversation(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.ApplyParticipantAdded("c1", "U7", at(1)), models.ErrConflict)
	conv, _ := s.Conversation("c1")
	assert.Equal(t, []string{"student-1", "tutor-1"}, conv.Participants)
}

func TestListConversations_Ordering(t *testing.T) {
	s := New("student-1")
	s.UpsertConversation(models.Conversation{ID: "empty-old", Participants: []string{"student-1", "a"}, CreatedAt: at(1)}, at(1))
	s.UpsertConversation(models.Conversation{ID: "empty-new", Participants: []string{"student-1", "b"}, CreatedAt: at(2)}, at(2))
	s.UpsertConversation(models.Conversation{ID: "busy", Participants: []string{"student-1", "c"}, CreatedAt: at(0)}, at(0))
	s.UpsertConversation(models.Conversation{ID: "quiet", Participants: []string{"student-1", "d"}, CreatedAt: at(0)}, at(0))
	s.AppendMessage("quiet", models.Message{ID: "q1", SenderID: "d", Timestamp: at(3)})
	s.AppendMessage("busy", models.Message{ID: "b1", SenderID: "c", Timestamp: at(9)})

	var got []string
	for _, c := range s.ListConversations() {
		got = append(got, c.ID)
	}
	assert.Equal(t, []string{"busy", "quiet", "empty-new", "empty-old"}, got)
}

func TestRekeyConversation(t *testing.T) {
	s := newTestStore(t)
	s.UpsertConversation(models.Conversation{ID: "local-5", Participants: []string{"student-1", "tutor-2"}, Pending: true, Token: "C1"}, at(1))
	s.AddPending(models.Message{ID: "local-6", Token: "T6", ConversationID: "local-5", SenderID: "student-1", Content: "first"})

	s.RekeyConversation("local-5", models.Conversation{ID: "c77", Participants: []string{"student-1", "tutor-2"}}, at(2))

	_, ok := s.Conversation("local-5")
	assert.False(t, ok)
	conv, ok := s.Conversation("c77")
	require.True(t, ok)
	assert.False(t, conv.Pending)

	msgs := collect(s, "c77")
	require.Len(t, msgs, 1)
	assert.Equal(t, "c77", msgs[0].ConversationID)
	assert.Equal(t, models.MessagePending, msgs[0].State)
}

func TestRekeyConversation_ReadersNeverSeeHalfMovedState(t *testing.T) {
	s := New("student-1")
	const rounds = 500

	var done atomic.Bool
	var wg sync.WaitGroup
	var torn []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		seen := 0
		for !done.Load() {
			list := s.ListConversations()
			if len(list) < seen {
				torn = append(torn, fmt.Sprintf("list shrank from %d to %d", seen, len(list)))
			}
			seen = len(list)
			for _, c := range list {
				if c.LastMessageAt.IsZero() {
					torn = append(torn, c.ID+" visible without its messages")
				}
			}
		}
	}()

	for i := range rounds {
		local := fmt.Sprintf("local-%d", i)
		s.AddPending(models.Message{ID: local + "-m", Token: fmt.Sprintf("T%d", i), ConversationID: local, SenderID: "student-1", Content: "hi"})
		s.RekeyConversation(local, models.Conversation{ID: fmt.Sprintf("c%d", i), Participants: []string{"student-1", "tutor-1"}}, base.Add(time.Duration(i)*time.Second))
	}
	done.Store(true)
	wg.Wait()

	assert.Empty(t, torn)
	assert.Len(t, s.ListConversations(), rounds)
}

func TestRollbackOnlyRemovesPending(t *testing.T) {
	s := newTestStore(t)
	s.UpsertConversation(models.Conversation{ID: "local-5", Participants: []string{"student-1", "tutor-2"}, Pending: true}, at(1))

	assert.False(t, s.Rollback("c1"))
	assert.True(t, s.Rollback("local-5"))
	_, ok := s.Conversation("local-5")
	assert.False(t, ok)
}

func TestDiscard(t *testing.T) {
	s := newTestStore(t)
	s.AddPending(models.Message{ID: "local-1", Token: "T1", ConversationID: "c1", SenderID: "student-1"})
	s.AppendMessage("c1", models.Message{ID: "m2", Token: "T2", SenderID: "tutor-1", Timestamp: at(2)})

	assert.False(t, s.Discard("T2"), "confirmed messages stay")
	assert.True(t, s.Discard("T1"))
	assert.Equal(t, []string{"m2"}, ids(collect(s, "c1")))
}

func TestMessages_Restartable(t *testing.T) {
	s := newTestStore(t)
	s.AppendMessage("c1", models.Message{ID: "m1", SenderID: "tutor-1", Timestamp: at(1)})
	seq := s.Messages("c1")

	assert.Len(t, slices.Collect(seq), 1)
	s.AppendMessage("c1", models.Message{ID: "m2", SenderID: "tutor-1", Timestamp: at(2)})
	assert.Len(t, slices.Collect(seq), 2)

	for range seq {
		break
	}
	assert.Empty(t, slices.Collect(s.Messages("missing")))
}

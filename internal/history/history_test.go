package history

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/chatrelay/pkg/models"
)

func TestAppendAndSnapshotOrdering(t *testing.T) {
	store := NewStore(0)

	store.Append("!room:a", models.UserTurn("hello"))
	store.Append("!room:a", models.AssistantTurn("hi there"))
	store.Append("!room:a", models.UserTurn("how are you?"))
	store.Append("!room:a", models.AssistantTurn("fine"))

	want := []models.Turn{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
		{Role: models.RoleUser, Content: "how are you?"},
		{Role: models.RoleAssistant, Content: "fine"},
	}
	if diff := cmp.Diff(want, store.Snapshot("!room:a")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotUnknownRoomIsEmpty(t *testing.T) {
	store := NewStore(10)
	assert.Empty(t, store.Snapshot("!nobody:here"))
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStore(0)
	store.Append("!room:a", models.UserTurn("one"))

	snap := store.Snapshot("!room:a")
	snap[0].Content = "mutated"

	got := store.Snapshot("!room:a")
	assert.Equal(t, "one", got[0].Content)
}

func TestRoomsAreIndependent(t *testing.T) {
	store := NewStore(0)
	store.Append("!room:a", models.UserTurn("for a"))
	store.Append("!room:b", models.UserTurn("for b"))

	assert.Equal(t, 1, store.Len("!room:a"))
	assert.Equal(t, 1, store.Len("!room:b"))
	assert.Equal(t, "for a", store.Snapshot("!room:a")[0].Content)
	assert.Equal(t, "for b", store.Snapshot("!room:b")[0].Content)
}

func TestResetEmptiesAndIsIdempotent(t *testing.T) {
	store := NewStore(0)
	store.Append("!room:a", models.UserTurn("hello"))
	store.Append("!room:a", models.AssistantTurn("hi"))

	store.Reset("!room:a")
	assert.Empty(t, store.Snapshot("!room:a"))

	store.Reset("!room:a")
	assert.Empty(t, store.Snapshot("!room:a"))

	// Unknown room reset is a no-op.
	store.Reset("!never:seen")
	assert.Empty(t, store.Snapshot("!never:seen"))

	store.Append("!room:a", models.UserTurn("again"))
	assert.Equal(t, 1, store.Len("!room:a"))
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	store := NewStore(4)

	store.Append("!room:a", models.UserTurn("1"))
	store.Append("!room:a", models.AssistantTurn("2"))
	store.Append("!room:a", models.UserTurn("3"))
	store.Append("!room:a", models.AssistantTurn("4"))
	store.Append("!room:a", models.UserTurn("5"))

	want := []models.Turn{
		{Role: models.RoleAssistant, Content: "2"},
		{Role: models.RoleUser, Content: "3"},
		{Role: models.RoleAssistant, Content: "4"},
		{Role: models.RoleUser, Content: "5"},
	}
	if diff := cmp.Diff(want, store.Snapshot("!room:a")); diff != "" {
		t.Errorf("eviction mismatch (-want +got):\n%s", diff)
	}
}

func TestNoCapWhenDisabled(t *testing.T) {
	store := NewStore(0)
	for i := 0; i < 100; i++ {
		store.Append("!room:a", models.UserTurn("x"))
	}
	assert.Equal(t, 100, store.Len("!room:a"))
}

func TestAppendIfCurrentDiscardsAfterReset(t *testing.T) {
	store := NewStore(0)
	store.Append("!room:a", models.UserTurn("hello"))

	gen := store.Generation("!room:a")
	store.Reset("!room:a")

	ok := store.AppendIfCurrent("!room:a", gen, models.AssistantTurn("stale answer"))
	assert.False(t, ok)
	assert.Empty(t, store.Snapshot("!room:a"))
}

func TestAppendIfCurrentAppendsWhenUnchanged(t *testing.T) {
	store := NewStore(0)
	store.Append("!room:a", models.UserTurn("hello"))

	gen := store.Generation("!room:a")
	ok := store.AppendIfCurrent("!room:a", gen, models.AssistantTurn("hi"))
	assert.True(t, ok)
	assert.Equal(t, 2, store.Len("!room:a"))
}

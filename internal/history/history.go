package history

import (
	"sync"

	"github.com/chatrelay/pkg/models"
)

// Store holds per-room conversation history. It is the only shared mutable
// structure in the bot; all access goes through its methods. Reads return
// copies so callers never alias internal state.
type Store struct {
	mu       sync.Mutex
	maxTurns int
	rooms    map[string]*conversation
}

type conversation struct {
	turns []models.Turn
	// generation increments on every reset so that in-flight completions
	// started before the reset can be detected and discarded.
	generation uint64
}

// NewStore creates a store capping each room at maxTurns turns, dropping the
// oldest first once the cap is exceeded. maxTurns <= 0 disables the cap.
func NewStore(maxTurns int) *Store {
	return &Store{
		maxTurns: maxTurns,
		rooms:    make(map[string]*conversation),
	}
}

// Append adds a turn to the room's conversation, creating it if absent.
func (s *Store) Append(roomID string, turn models.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).append(turn, s.maxTurns)
}

// AppendIfCurrent adds a turn only if the room's conversation has not been
// reset since generation was observed. Returns false when the turn was
// discarded as stale.
func (s *Store) AppendIfCurrent(roomID string, generation uint64, turn models.Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.room(roomID)
	if conv.generation != generation {
		return false
	}
	conv.append(turn, s.maxTurns)
	return true
}

// Snapshot returns a copy of the room's ordered history, empty if none.
func (s *Store) Snapshot(roomID string) []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Turn, len(conv.turns))
	copy(out, conv.turns)
	return out
}

// Generation returns the room's current reset generation.
func (s *Store) Generation(roomID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return conv.generation
}

// Reset empties the room's conversation in place. Calling it on an unknown
// room is a no-op; calling it twice is the same as calling it once.
func (s *Store) Reset(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.rooms[roomID]
	if !ok {
		return
	}
	conv.turns = conv.turns[:0]
	conv.generation++
}

// Len returns the number of turns currently held for the room.
func (s *Store) Len(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(conv.turns)
}

// room returns the conversation for roomID, creating it lazily.
// Caller must hold s.mu.
func (s *Store) room(roomID string) *conversation {
	conv, ok := s.rooms[roomID]
	if !ok {
		conv = &conversation{}
		s.rooms[roomID] = conv
	}
	return conv
}

func (c *conversation) append(turn models.Turn, maxTurns int) {
	c.turns = append(c.turns, turn)
	if maxTurns > 0 && len(c.turns) > maxTurns {
		drop := len(c.turns) - maxTurns
		c.turns = append(c.turns[:0], c.turns[drop:]...)
	}
}

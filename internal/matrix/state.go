package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// botState is the small piece of transport state persisted across restarts:
// currently just the direct-message room per target user. Conversation
// history is deliberately not persisted.
type botState struct {
	DMRooms map[string]string `json:"dm_rooms"`
}

func loadState(path string) botState {
	state := botState{DMRooms: map[string]string{}}
	if path == "" {
		return state
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read state file")
		}
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to parse state file")
		return botState{DMRooms: map[string]string{}}
	}
	if state.DMRooms == nil {
		state.DMRooms = map[string]string{}
	}
	return state
}

func saveState(path string, state botState) error {
	if path == "" {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// EnsureDirectRoom returns a direct-message room shared with targetUser,
// reusing the room recorded in the state file when it still works and
// creating (and persisting) a fresh one otherwise.
func (c *Client) EnsureDirectRoom(ctx context.Context, targetUser string) (string, error) {
	state := loadState(c.stateFile)

	if roomID, ok := state.DMRooms[targetUser]; ok && roomID != "" {
		// Check the saved room with a typing signal; if the bot was kicked or
		// the room is gone, fall through and create a new one.
		if err := c.Typing(ctx, roomID, false); err == nil {
			log.Debug().Str("room_id", roomID).Str("target", targetUser).Msg("Reusing saved DM room")
			return roomID, nil
		}
		log.Warn().Str("room_id", roomID).Str("target", targetUser).Msg("Saved DM room unusable, creating a new one")
	}

	reqBody := map[string]interface{}{
		"invite":     []string{targetUser},
		"is_direct":  true,
		"preset":     "trusted_private_chat",
		"visibility": "private",
	}

	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, reqBody, &resp); err != nil {
		return "", fmt.Errorf("failed to create direct room: %w", err)
	}

	state.DMRooms[targetUser] = resp.RoomID
	if err := saveState(c.stateFile, state); err != nil {
		log.Warn().Err(err).Msg("Failed to persist DM room ID")
	}

	log.Info().Str("room_id", resp.RoomID).Str("target", targetUser).Msg("Created DM room")
	return resp.RoomID, nil
}

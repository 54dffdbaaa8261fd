package matrix

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay/internal/retry"
	"github.com/chatrelay/pkg/models"
)

// Handler receives each inbound text message the sync loop delivers.
type Handler func(ctx context.Context, msg models.InboundMessage)

const syncTimeout = 30 * time.Second

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]joinedRoom `json:"join"`
		Invite map[string]struct{}   `json:"invite"`
	} `json:"rooms"`
}

type joinedRoom struct {
	Timeline struct {
		Events []roomEvent `json:"events"`
	} `json:"timeline"`
}

type roomEvent struct {
	Type           string       `json:"type"`
	Sender         string       `json:"sender"`
	EventID        string       `json:"event_id"`
	OriginServerTS int64        `json:"origin_server_ts"`
	Content        eventContent `json:"content"`
}

type eventContent struct {
	MsgType    string                 `json:"msgtype"`
	Body       string                 `json:"body"`
	NewContent map[string]interface{} `json:"m.new_content,omitempty"`
	RelatesTo  *struct {
		RelType string `json:"rel_type"`
		EventID string `json:"event_id"`
	} `json:"m.relates_to,omitempty"`
}

// Run drives the long-poll sync loop until ctx is cancelled, delivering each
// inbound text message to handler. Sync failures back off and retry; they are
// transport-internal and never reach the handler. The handler is called on
// the sync goroutine, so it must not block on slow work.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	c.startedAt = time.Now()

	// The first sync returns the full backlog; it is consumed only for its
	// next_batch token so old messages are never answered twice.
	if err := c.initialSync(ctx); err != nil {
		return err
	}

	log.Info().Str("user_id", c.userID).Msg("Sync loop started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, err := c.sync(ctx, c.nextBatch, syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Msg("Sync failed, backing off")
			result := retry.WithBackoff(ctx, retry.TransportConfig(), func() error {
				var retryErr error
				resp, retryErr = c.sync(ctx, c.nextBatch, syncTimeout)
				return retryErr
			})
			if !result.Success {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Keep the loop alive; the next iteration backs off again.
				continue
			}
		}

		c.nextBatch = resp.NextBatch
		c.dispatch(ctx, resp, handler)
	}
}

func (c *Client) initialSync(ctx context.Context) error {
	resp, err := c.sync(ctx, "", 0)
	if err != nil {
		return err
	}
	c.nextBatch = resp.NextBatch
	log.Debug().Int("joined_rooms", len(resp.Rooms.Join)).Msg("Initial sync complete")
	return nil
}

func (c *Client) sync(ctx context.Context, since string, timeout time.Duration) (*syncResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set("since", since)
	}
	if timeout > 0 {
		query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	}

	var resp syncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// dispatch walks one sync response: accepts invites, filters timeline events
// down to fresh plain-text messages from other users, and hands them over.
func (c *Client) dispatch(ctx context.Context, resp *syncResponse, handler Handler) {
	for roomID := range resp.Rooms.Invite {
		log.Info().Str("room_id", roomID).Msg("Accepting room invite")
		if err := c.JoinRoom(ctx, roomID); err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("Failed to join room")
		}
	}

	for roomID, room := range resp.Rooms.Join {
		for _, event := range room.Timeline.Events {
			if !c.wantsEvent(event) {
				continue
			}
			handler(ctx, models.InboundMessage{
				RoomID:  roomID,
				Sender:  event.Sender,
				EventID: event.EventID,
				Body:    event.Content.Body,
			})
		}
	}
}

// wantsEvent filters a timeline event: only fresh m.text messages from other
// users count. Edits (m.replace) are skipped so the bot's own placeholder
// replacements and user corrections never loop back as new turns.
func (c *Client) wantsEvent(event roomEvent) bool {
	if event.Type != "m.room.message" || event.Content.MsgType != "m.text" {
		return false
	}
	if event.Sender == c.userID {
		return false
	}
	if event.Content.RelatesTo != nil && event.Content.RelatesTo.RelType == "m.replace" {
		return false
	}
	eventTime := time.UnixMilli(event.OriginServerTS)
	return !eventTime.Before(c.startedAt)
}

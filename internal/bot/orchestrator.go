package bot

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay/internal/command"
	"github.com/chatrelay/internal/history"
	"github.com/chatrelay/internal/llm"
	"github.com/chatrelay/pkg/models"
)

// Outbound is the transport surface the orchestrator needs: posting a
// message (returning a handle), editing it in place, removing it, and the
// transient typing indicator. Implemented by the Matrix client.
type Outbound interface {
	Send(ctx context.Context, roomID, text string) (string, error)
	Edit(ctx context.Context, roomID, eventID, newText string) error
	Redact(ctx context.Context, roomID, eventID, reason string) error
	Typing(ctx context.Context, roomID string, typing bool) error
}

// Gateway is the inference surface: one blocking completion call over the
// full capped history. Failures are *llm.InferenceError.
type Gateway interface {
	Complete(ctx context.Context, turns []models.Turn) (string, error)
}

const (
	greetingText    = "I'm a bot, please talk to me!"
	helpText        = "Use /start to begin, /reset to clear the conversation context. Anything else is sent to the model."
	resetText       = "Chat context has been reset."
	thinkingText    = "Thinking..."
	genericFailText = "Sorry, something went wrong while answering. Please try again."
)

// Options tunes orchestrator behavior.
type Options struct {
	// BotUserID lets the orchestrator drop the bot's own messages in case
	// the transport delivers them.
	BotUserID string
	// Typing enables the typing indicator while an inference call runs.
	Typing bool
}

// Orchestrator coordinates one inbound message at a time per room: it
// classifies the message, manages the "Thinking..." placeholder lifecycle,
// invokes the gateway off the event-delivery path, and keeps the history
// store consistent on both success and failure.
type Orchestrator struct {
	store   *history.Store
	gateway Gateway
	out     Outbound
	opts    Options

	mu      sync.Mutex
	pending map[string]bool // room ID -> inference call outstanding

	inflight sync.WaitGroup
}

// New creates an orchestrator over the given store, gateway and transport.
func New(store *history.Store, gateway Gateway, out Outbound, opts Options) *Orchestrator {
	return &Orchestrator{
		store:   store,
		gateway: gateway,
		out:     out,
		opts:    opts,
		pending: make(map[string]bool),
	}
}

// HandleMessage processes one inbound message. It never blocks on the
// inference backend: conversation turns dispatch the gateway call onto its
// own goroutine so a slow model in one room cannot stall event delivery for
// other rooms.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.InboundMessage) {
	if o.opts.BotUserID != "" && msg.Sender == o.opts.BotUserID {
		return
	}

	cls := command.Classify(msg.Body)
	switch cls.Kind {
	case command.KindIgnore:
		return
	case command.KindStart:
		o.send(ctx, msg.RoomID, greetingText)
	case command.KindHelp:
		o.send(ctx, msg.RoomID, helpText)
	case command.KindReset:
		o.store.Reset(msg.RoomID)
		log.Info().Str("room_id", msg.RoomID).Msg("Conversation reset")
		o.send(ctx, msg.RoomID, resetText)
	case command.KindTurn:
		o.handleTurn(ctx, msg.RoomID, cls.Content)
	}
}

// Wait blocks until all in-flight inference calls have resolved. Used on
// shutdown so placeholders are never left dangling.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

// handleTurn starts the placeholder-then-replace lifecycle for one
// conversation turn. Only the pending check-and-set and the history append
// happen on the delivery goroutine; every outbound call, the placeholder
// included, runs on the completion goroutine so a slow homeserver or
// backend in one room never stalls event delivery for other rooms.
func (o *Orchestrator) handleTurn(ctx context.Context, roomID, content string) {
	if !o.acquire(roomID) {
		// At most one inference call per room: a second message while one is
		// outstanding is dropped, not queued.
		log.Warn().Str("room_id", roomID).Msg("Dropping message, inference already in flight for room")
		return
	}

	o.store.Append(roomID, models.UserTurn(content))
	generation := o.store.Generation(roomID)
	turns := o.store.Snapshot(roomID)

	// Detached from the run context: on shutdown, in-flight completions
	// still finish and replace their placeholders before Wait returns.
	o.inflight.Add(1)
	go o.completeTurn(context.WithoutCancel(ctx), roomID, generation, turns)
}

// completeTurn posts the placeholder, resolves one inference call, and
// replaces the placeholder with either the answer or a per-failure-kind
// error message. It is the only code that releases a room's pending slot.
func (o *Orchestrator) completeTurn(ctx context.Context, roomID string, generation uint64, turns []models.Turn) {
	defer o.inflight.Done()
	defer o.release(roomID)

	if o.opts.Typing {
		if err := o.out.Typing(ctx, roomID, true); err != nil {
			log.Debug().Err(err).Str("room_id", roomID).Msg("Failed to signal typing")
		}
		defer func() {
			if err := o.out.Typing(ctx, roomID, false); err != nil {
				log.Debug().Err(err).Str("room_id", roomID).Msg("Failed to clear typing")
			}
		}()
	}

	placeholderID, err := o.out.Send(ctx, roomID, thinkingText)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("Failed to post placeholder")
		return
	}

	answer, err := o.gateway.Complete(ctx, turns)
	if err != nil {
		// Failed turns leave only the user's message in history; the
		// placeholder becomes the user-facing explanation.
		o.edit(ctx, roomID, placeholderID, failureMessage(err))
		return
	}

	if !o.store.AppendIfCurrent(roomID, generation, models.AssistantTurn(answer)) {
		// The room was reset while the call was in flight. The completion no
		// longer belongs to any conversation, so take the placeholder down
		// instead of surfacing a stale answer.
		log.Info().Str("room_id", roomID).Msg("Discarding completion, conversation was reset mid-flight")
		if redactErr := o.out.Redact(ctx, roomID, placeholderID, "conversation was reset"); redactErr != nil {
			log.Error().Err(redactErr).Str("room_id", roomID).Msg("Failed to redact stale placeholder")
		}
		return
	}

	o.edit(ctx, roomID, placeholderID, answer)
}

// failureMessage maps a gateway error to the text shown in the room.
func failureMessage(err error) string {
	var infErr *llm.InferenceError
	if errors.As(err, &infErr) {
		return infErr.UserMessage()
	}
	return genericFailText
}

// acquire takes the room's pending slot, returning false if an inference
// call is already outstanding. Check and set are one critical section, so
// two racing messages can never both pass.
func (o *Orchestrator) acquire(roomID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[roomID] {
		return false
	}
	o.pending[roomID] = true
	return true
}

func (o *Orchestrator) release(roomID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, roomID)
}

func (o *Orchestrator) send(ctx context.Context, roomID, text string) {
	if _, err := o.out.Send(ctx, roomID, text); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("Failed to send message")
	}
}

func (o *Orchestrator) edit(ctx context.Context, roomID, eventID, text string) {
	if err := o.out.Edit(ctx, roomID, eventID, text); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Str("event_id", eventID).Msg("Failed to edit message")
	}
}

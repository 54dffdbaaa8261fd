package command

import "strings"

// Kind is the result of classifying an inbound message.
type Kind int

const (
	// KindIgnore means the message is empty or whitespace-only and produces
	// no outbound event at all.
	KindIgnore Kind = iota
	// KindTurn means the message is a conversation turn for the model.
	KindTurn
	KindStart
	KindHelp
	KindReset
)

// Classification is the outcome of Classify. For KindTurn, Content carries
// the text to send to the model.
type Classification struct {
	Kind    Kind
	Content string
}

// Classify decides whether a message is a control command or a conversation
// turn. Commands are slash-prefixed, case-insensitive, and must be the first
// token of the message. Unrecognized slash tokens fall through to a
// conversation turn on purpose: the bot treats them as literal text rather
// than rejecting them.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Kind: KindIgnore}
	}

	if strings.HasPrefix(trimmed, "/") {
		token := trimmed
		if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
			token = trimmed[:i]
		}
		switch strings.ToLower(token) {
		case "/start":
			return Classification{Kind: KindStart}
		case "/help":
			return Classification{Kind: KindHelp}
		case "/reset":
			return Classification{Kind: KindReset}
		}
	}

	return Classification{Kind: KindTurn, Content: text}
}

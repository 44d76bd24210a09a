package models

// Wire payloads exchanged with the gateway over the Redis streams
// agentic:queue:incoming and agentic:queue:outgoing. Every stream entry
// carries a single field named "payload" holding one JSON document.

// IncomingType discriminates incoming stream payloads.
type IncomingType string

const (
	IncomingNewMessage  IncomingType = "NEW_MESSAGE"
	IncomingExecuteStep IncomingType = "EXECUTE_STEP"
)

// IncomingPayload is one entry consumed from agentic:queue:incoming.
type IncomingPayload struct {
	Type IncomingType `json:"type"`

	// NEW_MESSAGE fields.
	BotID      string           `json:"bot_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Identifier string           `json:"identifier,omitempty"`
	Platform   Platform         `json:"platform,omitempty"`
	FromMe     bool             `json:"from_me,omitempty"`
	Sender     string           `json:"sender,omitempty"`
	Message    *IncomingContent `json:"message,omitempty"`

	// EXECUTE_STEP fields.
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
}

// IncomingContent is the message body of a NEW_MESSAGE payload.
type IncomingContent struct {
	ExternalID string      `json:"external_id,omitempty"`
	Text       string      `json:"text,omitempty"`
	Type       MessageType `json:"type,omitempty"`
	MediaURL   string      `json:"mediaUrl,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

// MediaRef points at a downloadable media object.
type MediaRef struct {
	URL string `json:"url"`
}

// SendPayload is the body of one outbound send. Exactly one of Text,
// Image or Audio is set; Context turns the send into a quote-reply.
type SendPayload struct {
	Text    string        `json:"text,omitempty"`
	Image   *MediaRef     `json:"image,omitempty"`
	Caption string        `json:"caption,omitempty"`
	Audio   *MediaRef     `json:"audio,omitempty"`
	PTT     *bool         `json:"ptt,omitempty"`
	Context *QuoteContext `json:"contextInfo,omitempty"`
}

// QuoteContext carries the reference for a quote-reply.
type QuoteContext struct {
	StanzaID      string        `json:"stanzaId"`
	Participant   string        `json:"participant,omitempty"`
	QuotedMessage QuotedMessage `json:"quotedMessage"`
}

// QuotedMessage is the minimal body of the message being quoted.
type QuotedMessage struct {
	Conversation string `json:"conversation"`
}

// OutgoingType discriminates outgoing stream payloads. An empty type
// means SEND, keeping older gateway builds compatible.
type OutgoingType string

const (
	OutgoingSend     OutgoingType = "SEND"
	OutgoingMarkRead OutgoingType = "MARK_READ"
	OutgoingPresence OutgoingType = "PRESENCE"
)

// OutgoingPayload is one entry published to agentic:queue:outgoing.
type OutgoingPayload struct {
	Type        OutgoingType `json:"type,omitempty"`
	BotID       string       `json:"bot_id"`
	Target      string       `json:"target"`
	ExecutionID string       `json:"execution_id,omitempty"`
	StepOrder   int          `json:"step_order,omitempty"`
	Payload     SendPayload  `json:"payload"`

	// MARK_READ fields.
	ExternalIDs []string `json:"external_ids,omitempty"`

	// PRESENCE fields: composing or paused.
	Presence string `json:"presence,omitempty"`
}

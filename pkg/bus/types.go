package bus

// InboundMessage is one normalized chat update, produced by a transport and
// consumed exactly once by the dispatcher. CallbackID/CallbackData are set
// only for inline-button presses.
type InboundMessage struct {
	Channel      string            `json:"channel"`
	SenderID     string            `json:"sender_id"`
	ChatID       string            `json:"chat_id"`
	Content      string            `json:"content"`
	MessageID    string            `json:"message_id"`
	CallbackID   string            `json:"callback_id,omitempty"`
	CallbackData string            `json:"callback_data,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsCallback reports whether the update is an inline keyboard button press
// rather than typed text.
func (m InboundMessage) IsCallback() bool {
	return m.CallbackID != ""
}

type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

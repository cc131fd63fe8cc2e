package relay

import "encoding/json"

// Inbound message types.
const (
	TypeScreenshot      = "screenshot"
	TypeCode            = "code"
	TypeRegisterBrowser = "register_browser"
)

// Outbound message types.
const (
	TypeSenderConnected    = "sender_connected"
	TypeSenderDisconnected = "sender_disconnected"
	TypeCurrentSenders     = "current_senders"
	TypeNoSenders          = "no_senders"
)

// Envelope is the wire format shared by all inbound messages.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SenderIdentity identifies a classified sender for the lifetime of its
// connection. Created once, never mutated.
type SenderIdentity struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type screenshotMsg struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"senderId"`
}

type senderEventMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Address string `json:"address"`
}

type currentSendersMsg struct {
	Type    string           `json:"type"`
	Senders []SenderIdentity `json:"senders"`
}

type noSendersMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalScreenshot(data json.RawMessage, senderID string) ([]byte, error) {
	return json.Marshal(screenshotMsg{Type: TypeScreenshot, Data: data, SenderID: senderID})
}

func marshalSenderEvent(kind string, identity SenderIdentity) ([]byte, error) {
	return json.Marshal(senderEventMsg{Type: kind, ID: identity.ID, Address: identity.Address})
}

func marshalCurrentSenders(senders []SenderIdentity) ([]byte, error) {
	return json.Marshal(currentSendersMsg{Type: TypeCurrentSenders, Senders: senders})
}

func marshalNoSenders(message string) ([]byte, error) {
	return json.Marshal(noSendersMsg{Type: TypeNoSenders, Message: message})
}

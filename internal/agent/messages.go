package agent

import "encoding/json"

// Control-channel message types exchanged as text frames alongside the
// binary audio stream.
const (
	typeConversationMetadata = "conversation_initiation_metadata"
	typeConversationInit     = "conversation_initiation_client_data"
	typePing                 = "ping"
	typePong                 = "pong"
	typeAudio                = "audio"
	typeError                = "error"
)

// controlEnvelope carries just enough to route an inbound text frame.
type controlEnvelope struct {
	Type string `json:"type"`
}

// metadataMessage is the first message the endpoint sends after the
// handshake; receiving it acknowledges the conversation.
type metadataMessage struct {
	Type     string        `json:"type"`
	Metadata metadataEvent `json:"conversation_initiation_metadata_event"`
}

type metadataEvent struct {
	ConversationID string `json:"conversation_id"`
	AudioFormat    string `json:"agent_output_audio_format,omitempty"`
}

// pingMessage is the keep-alive probe; its event id must be echoed back.
type pingMessage struct {
	Type string    `json:"type"`
	Ping pingEvent `json:"ping_event"`
}

type pingEvent struct {
	EventID int64 `json:"event_id"`
}

// pongMessage answers a ping.
type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// initMessage opens the conversation and carries the session's variables.
type initMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`
}

// audioMessage is an audio chunk delivered on the text channel instead of
// as a binary frame. Tolerated and decoded; binary frames are the normal
// path.
type audioMessage struct {
	Type  string     `json:"type"`
	Audio audioEvent `json:"audio_event"`
}

type audioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id,omitempty"`
}

// errorMessage is a protocol-level error report from the endpoint.
type errorMessage struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

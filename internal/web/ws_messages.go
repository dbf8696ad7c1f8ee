package web

import "encoding/json"

// WSMessage is the envelope for every message on the alert stream.
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message types sent to alert stream clients.
const (
	// WSMsgTypeConnected is sent once after the upgrade.
	// Data: { "operator": string }
	WSMsgTypeConnected = "connected"

	// WSMsgTypeAlert carries a newly raised security alert.
	// Data: models.SecurityAlert
	WSMsgTypeAlert = "alert"

	// WSMsgTypeError reports a server-side problem.
	// Data: { "message": string }
	WSMsgTypeError = "error"
)

// encodeWSMessage builds a WSMessage frame.
func encodeWSMessage(msgType string, data any) []byte {
	msg := WSMessage{Type: msgType}
	if data != nil {
		msg.Data, _ = json.Marshal(data)
	}
	b, _ := json.Marshal(msg)
	return b
}

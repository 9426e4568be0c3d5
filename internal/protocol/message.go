package protocol

import (
	"encoding/json"
	"strings"
)

// Event names, client -> relay
const (
	EventJoinGroup        = "join_group"
	EventSendGroupMessage = "send_group_message"
	EventSendMessage      = "send_message"
)

// Event names, relay -> client
const (
	EventGroupJoined    = "group_joined"
	EventGroupUserCount = "group_user_count"
	EventNewMessage     = "new_message"
	EventMessageError   = "message_error"
)

const (
	GroupRoomPrefix  = "group:"
	DeviceRoomPrefix = "device:"

	TypeText = "text"

	// TimestampLayout is ISO-8601 in UTC with millisecond precision.
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// Handshake credentials travel on the upgrade request. Browsers cannot set
// headers on a websocket, so the query parameters are accepted as well.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderAccessKey = "X-Access-Key"
	QueryDeviceID   = "deviceId"
	QueryAccessKey  = "accessKey"
)

// Envelope is one websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is the immutable record fanned out to a room.
type Message struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	FromDevice string `json:"fromDevice"`
	GroupCode  string `json:"groupCode"`
	Timestamp  string `json:"timestamp"` // ISO-8601
	ClientID   string `json:"clientId,omitempty"`
}

type SendGroupPayload struct {
	GroupCode string `json:"groupCode"`
	Type      string `json:"type,omitempty"`
	Content   string `json:"content"`
	ClientID  string `json:"clientId,omitempty"` // outbox id, echoed back verbatim
}

type JoinedPayload struct {
	Room      string `json:"room"`
	GroupCode string `json:"groupCode"`
}

type CountPayload struct {
	Room      string `json:"room"`
	GroupCode string `json:"groupCode"`
	Count     int    `json:"count"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Encode builds a frame for event with data as payload.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: event, Data: raw})
}

// Decode splits a frame into event name and raw payload.
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// NormalizeGroupCode trims surrounding whitespace.
func NormalizeGroupCode(code string) string {
	return strings.TrimSpace(code)
}

// RoomID maps a group code to its room id. The prefix keeps group rooms apart
// from device rooms.
func RoomID(code string) string {
	return GroupRoomPrefix + NormalizeGroupCode(code)
}

// DeviceRoomID is the private room of one device identity.
func DeviceRoomID(deviceID string) string {
	return DeviceRoomPrefix + deviceID
}

// GroupCodeFromRoom is the inverse of RoomID. ok is false for non-group rooms.
func GroupCodeFromRoom(room string) (string, bool) {
	if !strings.HasPrefix(room, GroupRoomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(room, GroupRoomPrefix), true
}

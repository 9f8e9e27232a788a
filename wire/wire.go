// Package wire defines the JSON payloads exchanged between the relay server
// and its clients. Every frame on the websocket is either a ClientMsg
// (request) or a ServerMsg (reply or pushed event).
package wire

import "time"

// User identifies a message author. Created lazily on first login.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one persisted chat message. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    User      `json:"author"`
	ChannelID string    `json:"channel_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Event kinds pushed by the server.
const (
	EventSend  = "send"
	EventClear = "clear"
)

// Event is a server-initiated frame: a new message on a channel, or a
// notification that the channel was cleared.
type Event struct {
	Kind      string   `json:"kind"`
	ChannelID string   `json:"channel_id"`
	Message   *Message `json:"message,omitempty"`
}

type LoginReq struct {
	Name string `json:"name"`
}

type LoginResp struct {
	User *User `json:"user"`
}

type ListMessagesReq struct {
	ChannelID string `json:"channel_id"`
}

type ListMessagesResp struct {
	Messages []Message `json:"messages"`
}

type SendMessageReq struct {
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	// AuthorID is optional; when set it must match the session identity.
	AuthorID string `json:"author_id,omitempty"`
}

type SendMessageResp struct {
	Message *Message `json:"message"`
}

type ClearMessagesReq struct {
	ChannelID string `json:"channel_id"`
}

type ClearMessagesResp struct {
	ChannelID string `json:"channel_id"`
}

type SubscribeReq struct {
	ChannelID string `json:"channel_id"`
	// Events selects the kinds to stream; empty means both.
	Events []string `json:"events,omitempty"`
}

type SubscribeResp struct {
	ChannelID string `json:"channel_id"`
}

type UnsubscribeReq struct {
	ChannelID string `json:"channel_id"`
}

type UnsubscribeResp struct {
	ChannelID string `json:"channel_id"`
}

// ClientMsg is the request envelope. Exactly one request field is set.
// Id is echoed back on the matching ServerMsg so callers can correlate
// in-flight requests.
type ClientMsg struct {
	Id string `json:"id,omitempty"`

	Login         *LoginReq         `json:"login,omitempty"`
	ListMessages  *ListMessagesReq  `json:"list_messages,omitempty"`
	SendMessage   *SendMessageReq   `json:"send_message,omitempty"`
	ClearMessages *ClearMessagesReq `json:"clear_messages,omitempty"`
	Subscribe     *SubscribeReq     `json:"subscribe,omitempty"`
	Unsubscribe   *UnsubscribeReq   `json:"unsubscribe,omitempty"`
}

// ServerMsg is the reply envelope. Replies carry the request Id and exactly
// one response field (or Error). Pushed events carry only Event.
type ServerMsg struct {
	Id    string `json:"id,omitempty"`
	Error *Error `json:"error,omitempty"`

	Login         *LoginResp         `json:"login,omitempty"`
	ListMessages  *ListMessagesResp  `json:"list_messages,omitempty"`
	SendMessage   *SendMessageResp   `json:"send_message,omitempty"`
	ClearMessages *ClearMessagesResp `json:"clear_messages,omitempty"`
	Subscribe     *SubscribeResp     `json:"subscribe,omitempty"`
	Unsubscribe   *UnsubscribeResp   `json:"unsubscribe,omitempty"`

	Event *Event `json:"event,omitempty"`
}

// FirehoseRecord is the JSON shape written to the kafka firehose topic.
type FirehoseRecord struct {
	Kind      string   `json:"kind"`
	ChannelID string   `json:"channel_id"`
	Message   *Message `json:"message,omitempty"`
	Time      int64    `json:"time"`
}

package contracts

import (
	"encoding/json"
	"time"
)

const (
	KindCreateChat = "CREATE_CHAT"
	KindReadChat   = "READ_CHAT"
	KindBlockUser  = "BLOCK_USER"
)

// ChatRoute is the work queue the chat store consumes
var ChatRoute = Route{Queue: "chat-service-create-chat-queue"}

// ChatCommand is one of CreateChat, ReadChat or BlockUser
type ChatCommand interface {
	Event
	chatCommand()
}

// Participant identifies one side of a conversation
type Participant struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// CreateChat stores a chat message sent over the socket gateway
type CreateChat struct {
	ChatID         string            `json:"chatId,omitempty"`
	ConversationID string            `json:"conversationId"`
	Sender         Participant       `json:"sender"`
	Receiver       Participant       `json:"receiver"`
	Message        string            `json:"message"`
	Medias         []json.RawMessage `json:"medias,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ReadChat marks a conversation as read by a user
type ReadChat struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ChatID         string `json:"chatId,omitempty"`
}

// BlockUser blocks a conversation on behalf of blocker
type BlockUser struct {
	ConversationID string `json:"conversationId"`
	Blocker        string `json:"blocker"`
}

func (CreateChat) Kind() string { return KindCreateChat }
func (ReadChat) Kind() string   { return KindReadChat }
func (BlockUser) Kind() string  { return KindBlockUser }

func (CreateChat) chatCommand() {}
func (ReadChat) chatCommand()   {}
func (BlockUser) chatCommand()  {}

// DecodeChatCommand returns the typed chat command in env
func DecodeChatCommand(env Envelope) (ChatCommand, error) {
	var (
		cmd ChatCommand
		err error
	)

	switch env.Type {
	case KindCreateChat:
		var c CreateChat
		err = env.Decode(&c)
		cmd = c
	case KindReadChat:
		var c ReadChat
		err = env.Decode(&c)
		cmd = c
	case KindBlockUser:
		var c BlockUser
		err = env.Decode(&c)
		cmd = c
	default:
		return nil, &UnknownKindError{Stream: "chat", Kind: env.Type}
	}

	if err != nil {
		return nil, decodeFailed("chat", err)
	}
	return cmd, nil
}

// Package ws carries one open chat window per websocket connection.
// The client sends commands (open, send, typing, load-older, close);
// the server streams back render operations describing exactly what
// the view should do. All chat state lives server-side in the window
// controller; the client is a dumb terminal for render ops.
package ws

import (
	"folio/internal/content"
	"folio/internal/models"
	"folio/internal/window"
)

type ClientCommandType string

const (
	ClientCommandOpen      ClientCommandType = "open"
	ClientCommandSend      ClientCommandType = "send"
	ClientCommandTyping    ClientCommandType = "typing"
	ClientCommandLoadOlder ClientCommandType = "load-older"
	ClientCommandClose     ClientCommandType = "close"
)

type ClientCommand struct {
	Type ClientCommandType `json:"type"`
	// OtherID selects the chat partner for "open".
	OtherID string `json:"otherId,omitempty"`
	// Text is the message body for "send".
	Text string `json:"text,omitempty"`
}

type RenderOp string

const (
	RenderLoading     RenderOp = "loading"
	RenderHistory     RenderOp = "history"
	RenderAppend      RenderOp = "append"
	RenderPrepend     RenderOp = "prepend"
	RenderRemove      RenderOp = "remove"
	RenderConfirm     RenderOp = "confirm"
	RenderStatus      RenderOp = "status"
	RenderRestore     RenderOp = "restore-input"
	RenderError       RenderOp = "error"
	RenderScrollToEnd RenderOp = "scroll-to-latest"
)

// ServerEvent is one render operation for the client view.
type ServerEvent struct {
	Op       RenderOp      `json:"op"`
	Messages []MessageView `json:"messages,omitempty"`
	Message  *MessageView  `json:"message,omitempty"`
	// ID names the target message for "remove"; TempID the optimistic
	// message being replaced by "confirm".
	ID     string        `json:"id,omitempty"`
	TempID string        `json:"tempId,omitempty"`
	Status window.Status `json:"status,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// MessageView is a message prepared for display: the raw content plus
// its sanitized HTML rendering.
type MessageView struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	HTML      string `json:"html"`
	CreatedAt int64  `json:"createdAt"`
	Read      bool   `json:"read"`
}

func viewOf(msg models.Message) MessageView {
	return MessageView{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		HTML:      content.RenderMessage(msg.Content),
		CreatedAt: msg.CreatedAt,
		Read:      msg.Read,
	}
}

func viewsOf(messages []models.Message) []MessageView {
	views := make([]MessageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, viewOf(msg))
	}
	return views
}

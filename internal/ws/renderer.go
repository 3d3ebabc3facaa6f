package ws

import (
	"folio/internal/models"
	"folio/internal/window"
)

// eventRenderer translates controller render calls into ServerEvents
// on a buffered channel drained by the connection's write loop. It
// never calls back into the controller.
type eventRenderer struct {
	out  chan ServerEvent
	done chan struct{}
}

func newEventRenderer() *eventRenderer {
	return &eventRenderer{
		out:  make(chan ServerEvent, 64),
		done: make(chan struct{}),
	}
}

// emit queues one event. Once the connection is gone the queue stops
// draining; the done channel keeps late render calls from blocking the
// controller forever.
func (r *eventRenderer) emit(event ServerEvent) {
	select {
	case r.out <- event:
	case <-r.done:
	}
}

func (r *eventRenderer) stop() {
	close(r.done)
}

func (r *eventRenderer) ShowLoading() {
	r.emit(ServerEvent{Op: RenderLoading})
}

func (r *eventRenderer) ShowHistory(messages []models.Message) {
	r.emit(ServerEvent{Op: RenderHistory, Messages: viewsOf(messages)})
}

func (r *eventRenderer) AppendMessage(message models.Message) {
	view := viewOf(message)
	r.emit(ServerEvent{Op: RenderAppend, Message: &view})
}

func (r *eventRenderer) PrependMessages(messages []models.Message) {
	r.emit(ServerEvent{Op: RenderPrepend, Messages: viewsOf(messages)})
}

func (r *eventRenderer) RemoveMessage(id string) {
	r.emit(ServerEvent{Op: RenderRemove, ID: id})
}

func (r *eventRenderer) ConfirmMessage(tempID string, message models.Message) {
	view := viewOf(message)
	r.emit(ServerEvent{Op: RenderConfirm, TempID: tempID, Message: &view})
}

func (r *eventRenderer) SetStatus(status window.Status) {
	r.emit(ServerEvent{Op: RenderStatus, Status: status})
}

func (r *eventRenderer) RestoreInput(text string) {
	r.emit(ServerEvent{Op: RenderRestore, Text: text})
}

func (r *eventRenderer) ShowError(message string) {
	r.emit(ServerEvent{Op: RenderError, Text: message})
}

func (r *eventRenderer) ScrollToLatest() {
	r.emit(ServerEvent{Op: RenderScrollToEnd})
}

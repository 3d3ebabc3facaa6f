package ws

import (
	"context"
	"errors"
	"sync"

	"folio/internal/models"
	"folio/internal/resolve"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// chatController is the window state machine driven by client
// commands. Implemented by *window.Controller.
type chatController interface {
	Open(other models.Participant) error
	Send(text string) error
	LoadOlder()
	Keystroke()
	Close()
}

// participantLookup resolves chat partner profiles by id.
type participantLookup interface {
	Participant(id string) (models.Participant, error)
}

// Connection ties one websocket to one chat window. A read pump feeds
// client commands into the main loop, which interleaves them with the
// render operations queued by the controller.
type Connection struct {
	ws           wsConnection
	controller   chatController
	participants participantLookup
	renderer     *eventRenderer
	fromClient   chan ClientCommand
	errorCh      chan error
}

func NewConnection(
	ws wsConnection,
	controller chatController,
	participants participantLookup,
	renderer *eventRenderer,
) *Connection {
	return &Connection{
		ws:           ws,
		controller:   controller,
		participants: participants,
		renderer:     renderer,
		fromClient:   make(chan ClientCommand),
		errorCh:      make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		// Stop the renderer first: once the write loop is gone nothing
		// drains its queue, and a controller goroutine stuck emitting a
		// render op holds the controller lock that Close needs.
		c.renderer.stop()
		c.controller.Close()
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpCommands(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpCommands(ctx context.Context) error {
	for {
		var cmd ClientCommand
		if err := c.ws.ReadJSON(&cmd); err != nil {
			return err
		}
		select {
		case c.fromClient <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case cmd := <-c.fromClient:
			c.processCommand(cmd)
		case event := <-c.renderer.out:
			if err := c.ws.WriteJSON(event); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processCommand(cmd ClientCommand) {
	switch cmd.Type {
	case ClientCommandOpen:
		other, err := c.participants.Participant(cmd.OtherID)
		if err != nil {
			c.renderer.ShowError("Unknown chat partner.")
			return
		}
		if err := c.controller.Open(other); err != nil {
			if errors.Is(err, resolve.ErrSelfChat) {
				c.renderer.ShowError("You cannot open a chat with yourself.")
				return
			}
			c.renderer.ShowError("Could not open the conversation.")
		}
	case ClientCommandSend:
		if err := c.controller.Send(cmd.Text); err != nil {
			c.renderer.ShowError("The chat window is not open.")
		}
	case ClientCommandTyping:
		c.controller.Keystroke()
	case ClientCommandLoadOlder:
		c.controller.LoadOlder()
	case ClientCommandClose:
		c.controller.Close()
	}
}

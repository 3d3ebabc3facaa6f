// Package window implements the per-chat-window session controller:
// the state machine that resolves a conversation, loads history,
// subscribes for live updates, sends with optimistic rendering, and
// tears everything down cleanly on close.
package window

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"folio/internal/live"
	"folio/internal/models"
	"folio/internal/resolve"
	"folio/internal/store"

	"github.com/google/uuid"
)

// ErrWindowClosed is returned for operations that require an open,
// active chat window.
var ErrWindowClosed = errors.New("chat window is not open")

type State int

const (
	StateClosed State = iota
	StateOpening
	StateActive
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// ConversationResolver yields the canonical conversation between two
// participants. Implemented by *resolve.Resolver.
type ConversationResolver interface {
	Resolve(ctx context.Context, localID, otherID string) (models.Conversation, error)
}

// Config assembles a controller. Self, Resolver, Messages, Live and
// Renderer are required.
type Config struct {
	Self     models.Participant
	Resolver ConversationResolver
	Messages store.MessageStore
	Live     LiveChannel
	Renderer Renderer

	// PageSize defaults to store.DefaultPageSize.
	PageSize int
	// TypingTimeout defaults to DefaultTypingTimeout.
	TypingTimeout time.Duration
}

// Controller owns all per-window state. Every "current X" of the chat
// UI is a field here, constructed fresh on open and discarded on
// close, so two windows can never bleed state into each other.
//
// All async results (resolution, history pages, inserts, live events)
// re-enter through methods that first check the generation captured
// when the operation started; a late response for a window that has
// since closed or switched conversations is discarded.
type Controller struct {
	self          models.Participant
	resolver      ConversationResolver
	store         store.MessageStore
	live          LiveChannel
	renderer      Renderer
	pageSize      int
	typingTimeout time.Duration
	now           func() time.Time

	mu       sync.Mutex
	state    State
	gen      int
	other    models.Participant
	conv     models.Conversation
	list     []models.Message
	seen     map[string]struct{}
	page     int
	allDone  bool
	fetching bool
	sub      Subscription
	typing   *typingDebouncer
	tracker  *presenceTracker
}

func New(cfg Config) *Controller {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	typingTimeout := cfg.TypingTimeout
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Controller{
		self:          cfg.Self,
		resolver:      cfg.Resolver,
		store:         cfg.Messages,
		live:          cfg.Live,
		renderer:      cfg.Renderer,
		pageSize:      pageSize,
		typingTimeout: typingTimeout,
		now:           time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the Closed -> Opening transition for a chat with the
// given participant. Opening a window while another is open (or while
// a previous open is still in flight) tears the previous one down
// first. The guard against chatting with oneself runs synchronously,
// before any store call.
func (c *Controller) Open(other models.Participant) error {
	if other.ID == c.self.ID {
		return resolve.ErrSelfChat
	}

	c.mu.Lock()
	c.teardownLocked()
	c.gen++
	gen := c.gen
	c.state = StateOpening
	c.other = other
	c.conv = models.Conversation{}
	c.list = nil
	c.seen = make(map[string]struct{})
	c.page = 0
	c.allDone = false
	c.fetching = false
	c.renderer.ShowLoading()
	c.mu.Unlock()

	go c.open(gen, other)
	return nil
}

func (c *Controller) open(gen int, other models.Participant) {
	ctx := context.Background()

	conv, err := c.resolver.Resolve(ctx, c.self.ID, other.ID)
	if err != nil {
		c.openFailed(gen, "Could not open the conversation. Please try again.", err)
		return
	}

	firstPage, err := c.store.FetchPage(ctx, conv.ID, 0, c.pageSize)
	if err != nil {
		c.openFailed(gen, "Could not load the conversation history.", err)
		return
	}

	// A subscription failure is soft: presence and typing degrade to
	// "unknown" but the window still opens and messages keep flowing
	// through the store.
	sub, subErr := c.live.Subscribe(conv.ID, c.self.ID)
	if subErr != nil {
		slog.Warn("live channel subscription failed",
			"conversation_id", conv.ID, "error", subErr)
		sub = nil
	}

	c.mu.Lock()
	if gen != c.gen {
		// The window was closed or re-opened for a different
		// conversation while we were resolving; discard everything.
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
		return
	}

	c.state = StateActive
	c.conv = conv
	c.sub = sub
	if sub != nil {
		c.typing = newTypingDebouncer(c.typingTimeout, sub.Typing)
	}
	c.tracker = newPresenceTracker(other.ID, c.typingTimeout, func() { c.typingExpired(gen) })

	// The store returns the newest page in descending order; the view
	// wants ascending.
	ascending := make([]models.Message, 0, len(firstPage))
	for i := len(firstPage) - 1; i >= 0; i-- {
		ascending = append(ascending, firstPage[i])
	}

	var unread []string
	for i := range ascending {
		c.seen[ascending[i].ID] = struct{}{}
		if !ascending[i].Read && ascending[i].SenderID == other.ID {
			unread = append(unread, ascending[i].ID)
			ascending[i].Read = true
		}
	}
	c.list = ascending
	c.allDone = len(firstPage) < c.pageSize

	c.renderer.ShowHistory(ascending)
	c.renderer.ScrollToLatest()
	if sub != nil {
		c.renderer.SetStatus(StatusOffline)
	} else {
		c.renderer.SetStatus(StatusUnknown)
	}
	c.mu.Unlock()

	if sub != nil {
		go c.pump(gen, sub)
	}
	if len(unread) > 0 {
		go c.markRead(unread)
	}
}

func (c *Controller) openFailed(gen int, userMessage string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// A newer window owns the controller; its state, c.other
		// included, is no longer ours to touch.
		return
	}
	slog.Error("chat window failed to open", "other_id", c.other.ID, "error", err)
	c.state = StateClosed
	c.renderer.ShowError(userMessage)
}

// pump feeds live events into the state machine until the
// subscription closes.
func (c *Controller) pump(gen int, sub Subscription) {
	for event := range sub.Events() {
		c.handleEvent(gen, event)
	}
}

func (c *Controller) handleEvent(gen int, event live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateActive {
		return
	}

	switch event.Kind {
	case live.EventMessageInserted:
		if event.Message == nil {
			return
		}
		msg := *event.Message
		// The channel echoes our own inserts back; the optimistic
		// render already showed them.
		if msg.SenderID == c.self.ID {
			return
		}
		// The same message can arrive both via a page fetch and via
		// the push; render it once either way.
		if _, dup := c.seen[msg.ID]; dup {
			return
		}
		c.seen[msg.ID] = struct{}{}
		msg.Read = true // the window is open, the recipient sees it now
		c.list = append(c.list, msg)
		c.renderer.AppendMessage(msg)
		c.renderer.ScrollToLatest()
		go c.markRead([]string{msg.ID})

	case live.EventPresenceSync, live.EventPresenceJoin, live.EventPresenceLeave:
		c.renderer.SetStatus(c.tracker.Apply(event))

	case live.EventTyping:
		if event.UserID != c.other.ID {
			return
		}
		c.renderer.SetStatus(c.tracker.SetTyping(event.Typing))
	}
}

func (c *Controller) typingExpired(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateActive || c.tracker == nil {
		return
	}
	c.renderer.SetStatus(c.tracker.Status())
}

// Send validates, renders an optimistic message with a temporary id,
// and persists it in the background. On failure the optimistic message
// is removed and the input text restored verbatim; a ghost message is
// never left behind.
func (c *Controller) Send(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrWindowClosed
	}
	gen := c.gen
	temp := models.Message{
		ID:             "temp-" + uuid.NewString(),
		ConversationID: c.conv.ID,
		SenderID:       c.self.ID,
		Content:        trimmed,
		CreatedAt:      c.now().UnixMilli(),
	}
	c.seen[temp.ID] = struct{}{}
	c.list = append(c.list, temp)
	c.renderer.AppendMessage(temp)
	c.renderer.ScrollToLatest()
	c.mu.Unlock()

	go c.send(gen, temp, text)
	return nil
}

func (c *Controller) send(gen int, temp models.Message, originalInput string) {
	msg, err := c.store.Insert(context.Background(), temp.ConversationID, temp.SenderID, temp.Content)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		// The window moved on; its optimistic state is already gone.
		// On success the message is persisted regardless, which is the
		// same outcome as a send racing a close in any client.
		return
	}

	if err != nil {
		slog.Error("message insert failed", "conversation_id", temp.ConversationID, "error", err)
		c.dropLocked(temp.ID)
		c.renderer.RemoveMessage(temp.ID)
		c.renderer.RestoreInput(originalInput)
		c.renderer.ShowError("Could not send the message. Please try again.")
		return
	}

	delete(c.seen, temp.ID)
	if _, dup := c.seen[msg.ID]; dup {
		// The stored copy already reached the list through a page
		// fetch; the optimistic copy is redundant.
		c.removeFromListLocked(temp.ID)
		c.renderer.RemoveMessage(temp.ID)
		return
	}
	c.seen[msg.ID] = struct{}{}
	for i := range c.list {
		if c.list[i].ID == temp.ID {
			c.list[i] = msg
			break
		}
	}
	c.renderer.ConfirmMessage(temp.ID, msg)
}

func (c *Controller) dropLocked(id string) {
	delete(c.seen, id)
	c.removeFromListLocked(id)
}

func (c *Controller) removeFromListLocked(id string) {
	for i := range c.list {
		if c.list[i].ID == id {
			c.list = append(c.list[:i], c.list[i+1:]...)
			return
		}
	}
}

// LoadOlder fetches the next older history page. Triggered by the view
// when the list is scrolled to its top; a no-op once a short page has
// marked the history as fully loaded, or while a fetch is in flight.
func (c *Controller) LoadOlder() {
	c.mu.Lock()
	if c.state != StateActive || c.allDone || c.fetching {
		c.mu.Unlock()
		return
	}
	c.fetching = true
	gen := c.gen
	conversationID := c.conv.ID
	nextPage := c.page + 1
	c.mu.Unlock()

	go c.loadOlder(gen, conversationID, nextPage)
}

func (c *Controller) loadOlder(gen int, conversationID string, nextPage int) {
	batch, err := c.store.FetchPage(context.Background(), conversationID, nextPage, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.fetching = false

	if err != nil {
		slog.Error("history page fetch failed",
			"conversation_id", conversationID, "page", nextPage, "error", err)
		c.renderer.ShowError("Could not load older messages.")
		return
	}

	c.page = nextPage
	if len(batch) < c.pageSize {
		c.allDone = true
	}

	// Oldest first, skipping anything already rendered.
	fresh := make([]models.Message, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		if _, dup := c.seen[batch[i].ID]; dup {
			continue
		}
		c.seen[batch[i].ID] = struct{}{}
		fresh = append(fresh, batch[i])
	}
	if len(fresh) == 0 {
		return
	}
	c.list = append(fresh, c.list...)
	c.renderer.PrependMessages(fresh)
}

// Keystroke reports local typing activity: the first keystroke after
// idle broadcasts typing-true immediately, and typing-false follows
// once keystrokes stop for the timeout.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.typing == nil {
		return
	}
	c.typing.Keystroke()
}

// Close transitions to Closed: unsubscribes the live channel, clears
// timers, and resets all per-window state. In-flight async calls are
// not aborted; their results are discarded on arrival because the
// generation no longer matches.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.gen++
	c.state = StateClosed
	c.other = models.Participant{}
	c.conv = models.Conversation{}
	c.list = nil
	c.seen = nil
	c.page = 0
	c.allDone = false
	c.fetching = false
}

func (c *Controller) teardownLocked() {
	if c.typing != nil {
		c.typing.Cancel()
		c.typing = nil
	}
	if c.tracker != nil {
		c.tracker.Stop()
		c.tracker = nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

func (c *Controller) markRead(messageIDs []string) {
	ctx := context.Background()
	for _, id := range messageIDs {
		if err := c.store.MarkRead(ctx, id); err != nil {
			slog.Warn("failed to mark message read", "message_id", id, "error", err)
		}
	}
}

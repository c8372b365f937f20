// Package widget holds the client-side chat session aggregate: the
// ordered message log, streaming status, and error state the UI renders,
// plus the change-notification contract the UI subscribes to.
package widget

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ashureev/chatkit/internal/domain"
)

// MessageUpdate carries the fields UpdateMessage may replace. Nil
// pointers leave the field untouched.
type MessageUpdate struct {
	Content   *string
	Streaming *bool
}

// State is the reactive chat session aggregate. All mutations notify
// subscribers after the lock is released, so callbacks may read back
// from the state freely.
type State struct {
	mu        sync.Mutex
	sessionID string
	messages  []domain.Message
	isLoading bool
	errMsg    string
	isOpen    bool

	storage Storage
	nextSub int
	subs    map[int]func()
}

// NewState creates session state, restoring the session identity from
// storage or minting (and persisting) a fresh one.
func NewState(storage Storage) *State {
	s := &State{
		storage: storage,
		subs:    make(map[int]func()),
	}
	if id, ok := storage.Load(); ok {
		s.sessionID = id
	} else {
		s.sessionID = generateSessionID()
		storage.Save(s.sessionID)
	}
	return s
}

// Subscribe registers a change callback and returns an unsubscribe
// function. The callback fires after every mutation.
func (s *State) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SessionID returns the current session identity.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Messages returns a copy of the message log.
func (s *State) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// IsLoading reports whether a send is in flight.
func (s *State) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLoading
}

// Err returns the current error message, or "" if none.
func (s *State) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// IsOpen reports whether the widget panel is open.
func (s *State) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isOpen
}

// AddMessage assigns an id and timestamp, appends the message, and
// returns the created record.
func (s *State) AddMessage(role domain.Role, content string, streaming bool) domain.Message {
	msg := domain.Message{
		ID:        generateMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Streaming: streaming,
	}
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notify()
	return msg
}

// UpdateMessage replaces fields on the message matching id. No-op if the
// id is not found.
func (s *State) UpdateMessage(id string, update MessageUpdate) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID != id {
			continue
		}
		if update.Content != nil {
			s.messages[i].Content = *update.Content
		}
		if update.Streaming != nil {
			s.messages[i].Streaming = *update.Streaming
		}
		break
	}
	s.mu.Unlock()
	s.notify()
}

// AppendContent grows a streaming message's content by chunk.
func (s *State) AppendContent(id string, chunk string) {
	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Content += chunk
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SetMessages replaces the message log, typically from a history fetch.
func (s *State) SetMessages(messages []domain.Message) {
	s.mu.Lock()
	s.messages = make([]domain.Message, len(messages))
	copy(s.messages, messages)
	s.mu.Unlock()
	s.notify()
}

// SetLoading sets the in-flight flag.
func (s *State) SetLoading(loading bool) {
	s.mu.Lock()
	s.isLoading = loading
	s.mu.Unlock()
	s.notify()
}

// SetError records an error message for the UI.
func (s *State) SetError(message string) {
	s.mu.Lock()
	s.errMsg = message
	s.mu.Unlock()
	s.notify()
}

// ClearError clears the error state.
func (s *State) ClearError() {
	s.SetError("")
}

// ToggleOpen flips the widget panel open state.
func (s *State) ToggleOpen() {
	s.mu.Lock()
	s.isOpen = !s.isOpen
	s.mu.Unlock()
	s.notify()
}

// Open opens the widget panel.
func (s *State) Open() {
	s.mu.Lock()
	s.isOpen = true
	s.mu.Unlock()
	s.notify()
}

// Close closes the widget panel.
func (s *State) Close() {
	s.mu.Lock()
	s.isOpen = false
	s.mu.Unlock()
	s.notify()
}

// ResetSession mints a fresh session identity and discards the local
// message log and error state. Used when the user starts a new
// conversation.
func (s *State) ResetSession() {
	s.mu.Lock()
	s.sessionID = generateSessionID()
	s.messages = nil
	s.errMsg = ""
	s.isLoading = false
	s.storage.Save(s.sessionID)
	s.mu.Unlock()
	s.notify()
}

func (s *State) notify() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// generateSessionID mints the widget's opaque correlation key. It is
// not an authorization token; access control lives in the auth and
// ownership layers.
func generateSessionID() string {
	return fmt.Sprintf("session-%d-%s", time.Now().UnixMilli(), randSuffix())
}

func generateMessageID() string {
	return fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), randSuffix())
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randSuffix() string {
	b := make([]byte, 7)
	for i := range b {
		b[i] = suffixAlphabet[rand.Intn(len(suffixAlphabet))]
	}
	return string(b)
}

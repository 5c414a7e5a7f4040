package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kalambet/qwenbridge/internal/upstream"
)

const defaultDeleteTimeout = 10 * time.Second

// State is the lifecycle position of a Session.
type State int

const (
	Idle State = iota
	Created
	InUse
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Created:
		return "created"
	case InUse:
		return "in_use"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recorder observes session lifecycle events. Implementations must not block
// for long; they run on the request path.
type Recorder interface {
	SessionOpened(id, model string, at time.Time)
	SessionClosed(id string, at time.Time, deleteErr error)
}

// Recorders fans events out to several recorders in order.
type Recorders []Recorder

func (rs Recorders) SessionOpened(id, model string, at time.Time) {
	for _, r := range rs {
		r.SessionOpened(id, model, at)
	}
}

func (rs Recorders) SessionClosed(id string, at time.Time, deleteErr error) {
	for _, r := range rs {
		r.SessionClosed(id, at, deleteErr)
	}
}

// Manager creates one upstream chat per request and guarantees its deletion.
type Manager struct {
	client        *upstream.Client
	deleter       *http.Client
	deleteTimeout time.Duration
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder attaches a lifecycle observer.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithDeleteTimeout bounds each teardown call.
func WithDeleteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.deleteTimeout = d
		}
	}
}

// NewManager creates a Manager that opens chats through client. Deletes use
// a separate http.Client so teardown shares neither connections nor headers
// with the request that owned the session.
func NewManager(client *upstream.Client, opts ...Option) *Manager {
	m := &Manager{
		client:        client,
		deleteTimeout: defaultDeleteTimeout,
		logger:        slog.Default().With("component", "session"),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.deleter = &http.Client{
		Timeout:   m.deleteTimeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	return m
}

// Session is one upstream chat owned by exactly one request. It is not safe
// to hand a Session to another request; Close is safe to call from any
// goroutine and any number of times.
type Session struct {
	ID        string
	ModelID   string
	CreatedAt time.Time

	mgr   *Manager
	mu    sync.Mutex
	state State
	once  sync.Once
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Open creates a new upstream chat for modelID.
func (m *Manager) Open(ctx context.Context, modelID string) (*Session, error) {
	now := m.now()
	body := upstream.NewChatRequest{
		Title:     fmt.Sprintf("API_%d", now.Unix()),
		Models:    []string{modelID},
		ChatMode:  "normal",
		ChatType:  "t2t",
		Timestamp: now.UnixMilli(),
	}

	resp, err := m.client.PostJSON(ctx, upstream.PathNewChat, body, nil)
	if err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	var env upstream.Envelope
	if err := upstream.DecodeJSON(resp, &env); err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	var data upstream.NewChatData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("creating chat: decoding data: %w", err)
		}
	}
	if data.ID == "" {
		return nil, fmt.Errorf("creating chat: %w", &upstream.UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       "response carried no chat id",
			Path:       upstream.PathNewChat,
		})
	}

	s := &Session{ID: data.ID, ModelID: modelID, CreatedAt: now, mgr: m, state: Created}
	if m.recorder != nil {
		m.recorder.SessionOpened(s.ID, modelID, now)
	}
	m.logger.Debug("chat created", "chat_id", s.ID, "model", modelID)
	s.setState(InUse)
	return s, nil
}

// Close deletes the upstream chat. Only the first call issues a delete. The
// delete runs on its own context so a cancelled request still cleans up, and
// failures are logged rather than returned because the vendor expires
// orphaned chats on its own.
func (s *Session) Close() {
	s.once.Do(func() {
		s.setState(Closing)
		err := s.mgr.delete(context.Background(), s.ID)
		if s.mgr.recorder != nil {
			s.mgr.recorder.SessionClosed(s.ID, s.mgr.now(), err)
		}
		s.setState(Closed)
	})
}

// DeleteByID performs a best-effort delete of an arbitrary chat id. The
// returned error is informational only.
func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	return m.delete(ctx, id)
}

func (m *Manager) delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.deleteTimeout)
	defer cancel()

	path := upstream.PathChats + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.client.BaseURL()+path, nil)
	if err != nil {
		m.logger.Warn("building chat delete request failed", "chat_id", id, "error", err)
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.client.Credentials().CurrentToken())
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.deleter.Do(req)
	if err != nil {
		err = &upstream.TransportError{Op: "DELETE " + path, Err: err}
		m.logger.Warn("chat delete failed (vendor will expire it)", "chat_id", id, "error", err)
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &upstream.UpstreamError{StatusCode: resp.StatusCode, Body: string(body), Path: path}
		m.logger.Warn("chat delete rejected (vendor will expire it)", "chat_id", id, "error", err)
		return err
	}

	var env upstream.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		m.logger.Debug("chat delete returned unparseable body", "chat_id", id, "error", err)
		return nil
	}
	if !env.Success {
		m.logger.Debug("chat delete may not have succeeded", "chat_id", id, "body", string(body))
	} else {
		m.logger.Debug("chat deleted", "chat_id", id)
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/qwenbridge/internal/credential"
	"github.com/kalambet/qwenbridge/internal/upstream"
)

type fakeVendor struct {
	mu         sync.Mutex
	created    int
	deletes    map[string]int
	deleteAuth string
	deleteCode int
	newChatIDs []string
}

func newFakeVendor(t *testing.T) (*fakeVendor, *upstream.Client) {
	t.Helper()
	v := &fakeVendor{deletes: make(map[string]int), deleteCode: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		defer v.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == upstream.PathNewChat:
			v.created++
			id := fmt.Sprintf("chat-%d", v.created)
			v.newChatIDs = append(v.newChatIDs, id)
			fmt.Fprintf(w, `{"success":true,"data":{"id":%q}}`, id)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, upstream.PathChats):
			id := strings.TrimPrefix(r.URL.Path, upstream.PathChats)
			v.deletes[id]++
			v.deleteAuth = r.Header.Get("Authorization")
			w.WriteHeader(v.deleteCode)
			fmt.Fprint(w, `{"success":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return v, upstream.NewClientWithBaseURL(credential.Static("test-key"), srv.URL)
}

func (v *fakeVendor) deleteCount(id string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deletes[id]
}

type recordingRecorder struct {
	mu      sync.Mutex
	opened  []string
	closed  []string
	lastErr error
}

func (r *recordingRecorder) SessionOpened(id, _ string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, id)
}

func (r *recordingRecorder) SessionClosed(id string, _ time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
	r.lastErr = err
}

func TestOpenAndClose(t *testing.T) {
	v, c := newFakeVendor(t)
	rec := &recordingRecorder{}
	m := NewManager(c, WithRecorder(rec))

	s, err := m.Open(context.Background(), "qwen3-235b-a22b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.ID != "chat-1" {
		t.Errorf("ID = %q, want chat-1", s.ID)
	}
	if s.State() != InUse {
		t.Errorf("state = %v, want in_use", s.State())
	}

	s.Close()
	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if got := v.deleteCount("chat-1"); got != 1 {
		t.Errorf("delete calls = %d, want 1", got)
	}
	if v.deleteAuth != "Bearer test-key" {
		t.Errorf("delete Authorization = %q", v.deleteAuth)
	}
	if len(rec.opened) != 1 || len(rec.closed) != 1 {
		t.Errorf("recorder opened=%v closed=%v", rec.opened, rec.closed)
	}
}

func TestClose_ExactlyOnce(t *testing.T) {
	v, c := newFakeVendor(t)
	m := NewManager(c)

	s, err := m.Open(context.Background(), "m")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	s.Close()

	if got := v.deleteCount(s.ID); got != 1 {
		t.Errorf("delete calls = %d, want 1", got)
	}
}

func TestClose_AfterRequestCancelled(t *testing.T) {
	v, c := newFakeVendor(t)
	m := NewManager(c)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := m.Open(ctx, "m")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cancel()
	s.Close()

	if got := v.deleteCount(s.ID); got != 1 {
		t.Errorf("delete calls = %d, want 1 even after cancellation", got)
	}
}

func TestClose_DeleteFailureSwallowed(t *testing.T) {
	v, c := newFakeVendor(t)
	v.deleteCode = http.StatusInternalServerError
	rec := &recordingRecorder{}
	m := NewManager(c, WithRecorder(rec))

	s, err := m.Open(context.Background(), "m")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if s.State() != Closed {
		t.Errorf("state = %v, want closed", s.State())
	}
	var ue *upstream.UpstreamError
	if !errors.As(rec.lastErr, &ue) {
		t.Errorf("recorded error = %v, want *UpstreamError", rec.lastErr)
	}
}

func TestOpen_NoChatID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"data":{}}`)
	}))
	defer srv.Close()

	m := NewManager(upstream.NewClientWithBaseURL(credential.Static("k"), srv.URL))
	_, err := m.Open(context.Background(), "m")
	if err == nil {
		t.Fatal("expected error when vendor returns no chat id")
	}
}

func TestOpen_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(upstream.NewClientWithBaseURL(credential.Static("k"), srv.URL))
	_, err := m.Open(context.Background(), "m")
	if upstream.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("error = %v, want wrapped 401", err)
	}
}

func TestDeleteByID(t *testing.T) {
	v, c := newFakeVendor(t)
	m := NewManager(c)

	if err := m.DeleteByID(context.Background(), "manual-1"); err != nil {
		t.Fatalf("DeleteByID: %v", err)
	}
	if got := v.deleteCount("manual-1"); got != 1 {
		t.Errorf("delete calls = %d, want 1", got)
	}
}

func TestDeleteByID_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewManager(upstream.NewClientWithBaseURL(credential.Static("k"), url), WithDeleteTimeout(time.Second))
	err := m.DeleteByID(context.Background(), "x")
	if !upstream.IsTransport(err) {
		t.Errorf("error = %v, want TransportError", err)
	}
}

func TestStateString(t *testing.T) {
	if InUse.String() != "in_use" || Closed.String() != "closed" {
		t.Errorf("unexpected state names %s %s", InUse, Closed)
	}
}

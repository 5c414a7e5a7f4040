package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/qwenbridge/internal/credential"
)

func TestPostJSON_Headers(t *testing.T) {
	var gotAuth, gotSource, gotCustom, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSource = r.Header.Get("Source")
		gotCustom = r.Header.Get("X-Request-Id")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		fmt.Fprint(w, `{"success":true,"data":{"id":"c1"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(credential.Static("test-key"), srv.URL)
	resp, err := c.PostJSON(context.Background(), PathNewChat, map[string]string{"title": "t"}, map[string]string{"X-Request-Id": "rid"})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	var env Envelope
	if err := DecodeJSON(resp, &env); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if gotSource != "web" {
		t.Errorf("Source = %q, want web", gotSource)
	}
	if gotCustom != "rid" {
		t.Errorf("X-Request-Id = %q, want rid", gotCustom)
	}
	if gotBody != `{"title":"t"}` {
		t.Errorf("body = %q", gotBody)
	}
	if !env.Success {
		t.Error("expected success envelope")
	}
}

func TestRotatingCredentials(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(credential.NewPool([]string{"a", "b"}), srv.URL)
	for range 3 {
		resp, err := c.GetJSON(context.Background(), PathModels)
		if err != nil {
			t.Fatalf("GetJSON: %v", err)
		}
		resp.Body.Close()
	}

	want := []string{"Bearer a", "Bearer b", "Bearer a"}
	for i, w := range want {
		if seen[i] != w {
			t.Errorf("request %d Authorization = %q, want %q", i, seen[i], w)
		}
	}
}

func TestNon2xx_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"bad token"}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(credential.Static("k"), srv.URL)
	_, err := c.GetJSON(context.Background(), PathModels)
	if err == nil {
		t.Fatal("expected error")
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error type = %T, want *UpstreamError", err)
	}
	if ue.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", ue.StatusCode)
	}
	if !strings.Contains(ue.Body, "bad token") {
		t.Errorf("Body = %q", ue.Body)
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Errorf("StatusCode(err) = %d", StatusCode(err))
	}
}

func TestNetworkFailure_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClientWithBaseURL(credential.Static("k"), url)
	_, err := c.GetJSON(context.Background(), PathModels)
	if !IsTransport(err) {
		t.Fatalf("error = %v, want TransportError", err)
	}
}

func TestTimeout_TransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClientWithOptions(credential.Static("k"), Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.GetJSON(context.Background(), PathModels)
	if !IsTransport(err) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want it to wrap context.DeadlineExceeded", err)
	}
}

func TestOpenStream(t *testing.T) {
	sseData := "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n"
	var gotBuffering string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBuffering = r.Header.Get("X-Accel-Buffering")
		if r.URL.Query().Get("chat_id") != "c1" {
			t.Errorf("chat_id query = %q", r.URL.Query().Get("chat_id"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseData)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL(credential.Static("k"), srv.URL)
	rc, err := c.OpenStream(context.Background(), PathCompletions+"?chat_id=c1", CompletionRequest{Stream: true})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != sseData {
		t.Errorf("body = %q, want %q", body, sseData)
	}
	if gotBuffering != "no" {
		t.Errorf("X-Accel-Buffering = %q, want no", gotBuffering)
	}
}

func TestOpenStream_ContextCancellation(t *testing.T) {
	handlerStarted := make(chan struct{})
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-handlerDone
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c := NewClientWithBaseURL(credential.Static("k"), srv.URL)
		rc, err := c.OpenStream(ctx, PathCompletions, CompletionRequest{Stream: true})
		if err != nil {
			done <- err
			return
		}
		_, err = io.ReadAll(rc)
		rc.Close()
		done <- err
	}()

	<-handlerStarted
	cancel()

	select {
	case err := <-done:
		if !IsTransport(err) {
			t.Fatalf("error = %v, want TransportError after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end promptly after context cancellation")
	}

	close(handlerDone)
}

func TestSTSToken_Missing(t *testing.T) {
	tok := STSToken{AccessKeyID: "id", AccessKeySecret: "s", SecurityToken: "st", FileURL: "u", FilePath: "p", FileID: "f", BucketName: "b"}
	missing := tok.Missing()
	if len(missing) != 1 || missing[0] != "endpoint" {
		t.Errorf("Missing = %v, want [endpoint]", missing)
	}
}

package translate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/qwenbridge/internal/attach"
)

var tenBytePNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x01}

type staticCatalog map[string]bool

func (c staticCatalog) Has(_ context.Context, id string) bool { return c[id] }

// countingCatalog records every lookup.
type countingCatalog struct {
	staticCatalog
	lookups atomic.Int32
}

func (c *countingCatalog) Has(ctx context.Context, id string) bool {
	c.lookups.Add(1)
	return c.staticCatalog.Has(ctx, id)
}

// slowUploader counts invocations as soon as they start.
type slowUploader struct {
	started atomic.Int32
}

func (u *slowUploader) UploadDataURL(ctx context.Context, _, _ string) (attach.Descriptor, error) {
	u.started.Add(1)
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
	}
	return attach.Descriptor{RemoteID: "late"}, nil
}

type failingLookup struct{ err error }

func (f failingLookup) LookupUpload(context.Context, string) (attach.Descriptor, bool, error) {
	return attach.Descriptor{}, false, f.err
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUploader) UploadDataURL(_ context.Context, dataURL, prefix string) (attach.Descriptor, error) {
	img, err := attach.ParseDataURL(dataURL)
	if err != nil {
		return attach.Descriptor{}, err
	}
	if f.err != nil {
		return attach.Descriptor{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prefix)
	return attach.Descriptor{
		RemoteID:     "file-" + string(rune('a'+len(f.calls)-1)),
		URL:          "https://cdn.example/img.png",
		Filename:     attach.Filename(prefix, img),
		MimeType:     img.MimeType,
		SizeBytes:    len(img.Data),
		UploadTaskID: "task-1",
	}, nil
}

type mapLookup map[string]attach.Descriptor

func (m mapLookup) LookupUpload(_ context.Context, id string) (attach.Descriptor, bool, error) {
	d, ok := m[id]
	return d, ok, nil
}

func pngDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(tenBytePNG)
}

func newTestTranslator(up ImageUploader, policy UnsupportedPolicy) *Translator {
	return New(Config{
		Catalog:      staticCatalog{"qwen-max": true, "qwen3-235b-a22b": true},
		Uploader:     up,
		DefaultModel: "qwen3-235b-a22b",
		Policy:       policy,
	})
}

func TestContentUnmarshal(t *testing.T) {
	var req ChatRequest
	body := `{"model":"m","messages":[
		{"role":"user","content":"plain"},
		{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"x"}}]},
		{"role":"assistant","content":null}]}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if req.Messages[0].Content.Text != "plain" || req.Messages[0].Content.IsParts {
		t.Errorf("string content = %+v", req.Messages[0].Content)
	}
	if !req.Messages[1].Content.IsParts || len(req.Messages[1].Content.Parts) != 2 {
		t.Errorf("parts content = %+v", req.Messages[1].Content)
	}
	if req.Messages[2].Content.Text != "" {
		t.Errorf("null content = %+v", req.Messages[2].Content)
	}

	if err := json.Unmarshal([]byte(`{"role":"user","content":42}`), &Message{}); err == nil {
		t.Error("expected error for numeric content")
	}
}

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want string
	}{
		{
			name: "single user message gets synthetic system frame",
			msgs: []Message{{Role: "user", Content: Text("hi")}},
			want: "system:\n\nuser: hi",
		},
		{
			name: "leading system kept as is",
			msgs: []Message{
				{Role: "system", Content: Text("be brief")},
				{Role: "user", Content: Text("hi")},
			},
			want: "system: be brief\n\nuser: hi",
		},
		{
			name: "image parts dropped from text",
			msgs: []Message{{Role: "user", Content: Parts(
				Part{Type: "text", Text: "look"},
				Part{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,AA=="}},
				Part{Type: "text", Text: "here"},
			)}},
			want: "system:\n\nuser: look\nhere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flatten(tt.msgs); got != tt.want {
				t.Errorf("Flatten = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFlatten_EntryCount(t *testing.T) {
	roles := []string{"user", "assistant", "user", "assistant", "user"}
	for n := 1; n <= len(roles); n++ {
		var msgs []Message
		for _, r := range roles[:n] {
			msgs = append(msgs, Message{Role: r, Content: Text("text")})
		}
		entries := strings.Split(Flatten(msgs), "\n\n")
		// Synthetic system frame is "system:" followed by the separator.
		if len(entries) != n+1 {
			t.Errorf("n=%d: got %d entries, want %d", n, len(entries), n+1)
		}
		if entries[0] != "system:" {
			t.Errorf("n=%d: first entry = %q", n, entries[0])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  ChatRequest
		ok   bool
	}{
		{"empty", ChatRequest{}, false},
		{"bad role", ChatRequest{Messages: []Message{{Role: "tool", Content: Text("x")}}}, false},
		{"bad part", ChatRequest{Messages: []Message{{Role: "user", Content: Parts(Part{Type: "audio"})}}}, false},
		{"image without url", ChatRequest{Messages: []Message{{Role: "user", Content: Parts(Part{Type: "image_url"})}}}, false},
		{"ok", ChatRequest{Messages: []Message{{Role: "user", Content: Text("x")}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			var te *TranslationError
			if !tt.ok && !errors.As(err, &te) {
				t.Errorf("error = %v, want *TranslationError", err)
			}
		})
	}
}

func TestTranslate_ModelFallback(t *testing.T) {
	tr := newTestTranslator(&fakeUploader{}, DropUnsupported)

	out, err := tr.Translate(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: Text("hi")}},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out.ModelID != "qwen3-235b-a22b" {
		t.Errorf("ModelID = %q, want default", out.ModelID)
	}
	if out.RequestedModel != "gpt-4o" {
		t.Errorf("RequestedModel = %q", out.RequestedModel)
	}

	out, err = tr.Translate(context.Background(), ChatRequest{
		Model:    "qwen-max",
		Messages: []Message{{Role: "user", Content: Text("hi")}},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out.ModelID != "qwen-max" {
		t.Errorf("ModelID = %q, want qwen-max", out.ModelID)
	}
}

func TestTranslate_ImageUploadedIntoPayload(t *testing.T) {
	up := &fakeUploader{}
	tr := newTestTranslator(up, DropUnsupported)

	out, err := tr.Translate(context.Background(), ChatRequest{
		Model: "qwen-max",
		Messages: []Message{{Role: "user", Content: Parts(
			Part{Type: "text", Text: "what is this"},
			Part{Type: "image_url", ImageURL: &ImageURL{URL: pngDataURL()}},
		)}},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(out.Files) != 1 {
		t.Fatalf("files = %d, want 1", len(out.Files))
	}
	if up.calls[0] != "temp_upload" {
		t.Errorf("prefix = %q", up.calls[0])
	}

	payload := BuildPayload("chat-1", out, time.Unix(1700000000, 0))
	if !payload.Stream || !payload.IncrementalOutput {
		t.Error("payload must always request an incremental stream")
	}
	if payload.ChatID != "chat-1" || payload.Model != "qwen-max" {
		t.Errorf("payload chat=%q model=%q", payload.ChatID, payload.Model)
	}
	files := payload.Messages[0].Files
	if len(files) != 1 || files[0].ID != out.Files[0].RemoteID {
		t.Fatalf("payload files = %+v", files)
	}
	if files[0].ItemID != files[0].UploadTaskID {
		t.Errorf("itemId %q != uploadTaskId %q", files[0].ItemID, files[0].UploadTaskID)
	}
	if files[0].Size != len(tenBytePNG) || files[0].FileClass != "vision" {
		t.Errorf("file = %+v", files[0])
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"id":"file-a"`) {
		t.Errorf("payload JSON missing remote id: %s", raw)
	}
}

func TestTranslate_OnlyLastMessageImages(t *testing.T) {
	up := &fakeUploader{}
	tr := newTestTranslator(up, DropUnsupported)

	_, err := tr.Translate(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "user", Content: Parts(Part{Type: "image_url", ImageURL: &ImageURL{URL: pngDataURL()}})},
			{Role: "assistant", Content: Text("a picture")},
			{Role: "user", Content: Text("thanks")},
		},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(up.calls) != 0 {
		t.Errorf("uploads = %d, want 0", len(up.calls))
	}
}

func TestTranslate_UnsupportedReference(t *testing.T) {
	req := ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "text", Text: "see"},
		Part{Type: "image_url", ImageURL: &ImageURL{URL: "https://example.com/cat.png"}},
	)}}}

	out, err := newTestTranslator(&fakeUploader{}, DropUnsupported).Translate(context.Background(), req)
	if err != nil {
		t.Fatalf("drop policy: %v", err)
	}
	if len(out.Files) != 0 {
		t.Errorf("files = %d, want 0", len(out.Files))
	}

	_, err = newTestTranslator(&fakeUploader{}, RejectUnsupported).Translate(context.Background(), req)
	var te *TranslationError
	if !errors.As(err, &te) {
		t.Errorf("reject policy error = %v, want *TranslationError", err)
	}
}

func TestTranslate_RejectedRequestUploadsNothing(t *testing.T) {
	req := ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "image_url", ImageURL: &ImageURL{URL: pngDataURL()}},
		Part{Type: "image_url", ImageURL: &ImageURL{URL: "https://example.com/x.png"}},
	)}}}

	up := &slowUploader{}
	_, err := newTestTranslator(up, RejectUnsupported).Translate(context.Background(), req)
	var te *TranslationError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TranslationError", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := up.started.Load(); got != 0 {
		t.Errorf("uploads started = %d, want 0", got)
	}
}

func TestTranslate_LookupFailureUploadsNothing(t *testing.T) {
	boom := errors.New("registry down")
	up := &slowUploader{}
	tr := New(Config{
		Catalog:      staticCatalog{},
		Uploader:     up,
		Uploads:      failingLookup{err: boom},
		DefaultModel: "d",
	})
	_, err := tr.Translate(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "image_url", ImageURL: &ImageURL{URL: pngDataURL()}},
		Part{Type: "image_url", ImageURL: &ImageURL{URL: "file-abc"}},
	)}}})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped lookup error", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := up.started.Load(); got != 0 {
		t.Errorf("uploads started = %d, want 0", got)
	}
}

func TestResolveModel_DefaultSkipsCatalog(t *testing.T) {
	cat := &countingCatalog{staticCatalog: staticCatalog{"qwen-max": true}}
	tr := New(Config{Catalog: cat, DefaultModel: "qwen3-235b-a22b"})
	ctx := context.Background()

	if got := tr.ResolveModel(ctx, "qwen3-235b-a22b"); got != "qwen3-235b-a22b" {
		t.Errorf("ResolveModel(default) = %q", got)
	}
	if got := tr.ResolveModel(ctx, ""); got != "qwen3-235b-a22b" {
		t.Errorf("ResolveModel(\"\") = %q", got)
	}
	if n := cat.lookups.Load(); n != 0 {
		t.Errorf("catalog lookups = %d, want 0 for the default model", n)
	}
	if got := tr.ResolveModel(ctx, "qwen-max"); got != "qwen-max" || cat.lookups.Load() != 1 {
		t.Errorf("ResolveModel(qwen-max) = %q after %d lookups", got, cat.lookups.Load())
	}
	if tr.DefaultModel() != "qwen3-235b-a22b" {
		t.Errorf("DefaultModel() = %q", tr.DefaultModel())
	}
}

func TestTranslate_UploadIDLookup(t *testing.T) {
	tr := New(Config{
		Catalog:      staticCatalog{},
		Uploader:     &fakeUploader{},
		Uploads:      mapLookup{"file-xyz": {RemoteID: "file-xyz", UploadTaskID: "t"}},
		DefaultModel: "d",
	})
	out, err := tr.Translate(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "image_url", ImageURL: &ImageURL{URL: "file-xyz"}},
	)}}})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(out.Files) != 1 || out.Files[0].RemoteID != "file-xyz" {
		t.Errorf("files = %+v", out.Files)
	}
}

func TestTranslate_MalformedDataURL(t *testing.T) {
	tr := newTestTranslator(&fakeUploader{}, DropUnsupported)
	_, err := tr.Translate(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,!!!"}},
	)}}})
	var te *TranslationError
	if !errors.As(err, &te) {
		t.Errorf("error = %v, want *TranslationError", err)
	}
}

func TestTranslate_UploadFailurePropagates(t *testing.T) {
	boom := errors.New("store down")
	tr := newTestTranslator(&fakeUploader{err: boom}, DropUnsupported)
	_, err := tr.Translate(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: Parts(
		Part{Type: "image_url", ImageURL: &ImageURL{URL: pngDataURL()}},
	)}}})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped store error", err)
	}
}

func TestParsePolicy(t *testing.T) {
	if ParsePolicy("reject") != RejectUnsupported || ParsePolicy("nonsense") != DropUnsupported {
		t.Error("unexpected policy mapping")
	}
}

package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qwenbridge/internal/attach"
	"github.com/kalambet/qwenbridge/internal/upstream"
)

// UnsupportedPolicy decides what happens to image parts that are neither an
// embedded data: URL nor a known upload id.
type UnsupportedPolicy string

const (
	// DropUnsupported skips the part and logs a warning.
	DropUnsupported UnsupportedPolicy = "drop"
	// RejectUnsupported fails the request with a TranslationError.
	RejectUnsupported UnsupportedPolicy = "reject"
)

// ParsePolicy maps a config string to a policy. Unknown values fall back to drop.
func ParsePolicy(s string) UnsupportedPolicy {
	if UnsupportedPolicy(s) == RejectUnsupported {
		return RejectUnsupported
	}
	return DropUnsupported
}

const maxConcurrentUploads = 4

// ModelCatalog reports whether the vendor offers a model id.
type ModelCatalog interface {
	Has(ctx context.Context, id string) bool
}

// ImageUploader uploads an embedded image.
type ImageUploader interface {
	UploadDataURL(ctx context.Context, dataURL, prefix string) (attach.Descriptor, error)
}

// UploadLookup resolves an id previously returned by the uploads endpoint.
type UploadLookup interface {
	LookupUpload(ctx context.Context, id string) (attach.Descriptor, bool, error)
}

// Config wires a Translator.
type Config struct {
	Catalog      ModelCatalog
	Uploader     ImageUploader
	Uploads      UploadLookup // optional
	DefaultModel string
	Policy       UnsupportedPolicy
}

// Translator maps OpenAI-shaped requests to the vendor's single-message shape.
type Translator struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Translator {
	if cfg.Policy == "" {
		cfg.Policy = DropUnsupported
	}
	return &Translator{cfg: cfg, logger: slog.Default().With("component", "translate")}
}

// Translated is the vendor-ready form of one request, minus the chat id which
// only exists once a session is opened.
type Translated struct {
	RequestedModel string
	ModelID        string
	Transcript     string
	Files          []attach.Descriptor
	Stream         bool
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Validate checks the request shape.
func Validate(req ChatRequest) error {
	if len(req.Messages) == 0 {
		return &TranslationError{Field: "messages", Reason: "is required and must not be empty"}
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return &TranslationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unsupported role %q", m.Role)}
		}
		for j, p := range m.Content.Parts {
			switch p.Type {
			case "text":
			case "image_url":
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return &TranslationError{Field: fmt.Sprintf("messages[%d].content[%d].image_url", i, j), Reason: "url is required"}
				}
			default:
				return &TranslationError{Field: fmt.Sprintf("messages[%d].content[%d].type", i, j), Reason: fmt.Sprintf("unsupported part type %q", p.Type)}
			}
		}
	}
	return nil
}

// Translate validates req, resolves the model, flattens the transcript and
// uploads the images of the final message.
func (t *Translator) Translate(ctx context.Context, req ChatRequest) (Translated, error) {
	if err := Validate(req); err != nil {
		return Translated{}, err
	}

	out := Translated{
		RequestedModel: req.Model,
		ModelID:        t.ResolveModel(ctx, req.Model),
		Transcript:     Flatten(req.Messages),
		Stream:         req.Stream,
	}
	if out.RequestedModel == "" {
		out.RequestedModel = out.ModelID
	}

	files, err := t.resolveImages(ctx, req.Messages[len(req.Messages)-1])
	if err != nil {
		return Translated{}, err
	}
	out.Files = files
	return out, nil
}

// ResolveModel returns requested when the catalog knows it, the configured
// default otherwise.
func (t *Translator) ResolveModel(ctx context.Context, requested string) string {
	if requested == "" || requested == t.cfg.DefaultModel {
		return t.cfg.DefaultModel
	}
	if t.cfg.Catalog != nil && t.cfg.Catalog.Has(ctx, requested) {
		return requested
	}
	t.logger.Warn("model not in catalog, using default", "requested", requested, "default", t.cfg.DefaultModel)
	return t.cfg.DefaultModel
}

// DefaultModel is the model used when a request names none or an unknown one.
func (t *Translator) DefaultModel() string {
	return t.cfg.DefaultModel
}

func (t *Translator) resolveImages(ctx context.Context, m Message) ([]attach.Descriptor, error) {
	var refs []string
	for _, p := range m.Content.Parts {
		if p.Type == "image_url" && p.ImageURL != nil {
			refs = append(refs, p.ImageURL.URL)
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	// Every reference is classified before any upload starts so a rejected
	// request never writes to the object store.
	results := make([]*attach.Descriptor, len(refs))
	var pending []int
	for i, ref := range refs {
		if attach.IsDataURL(ref) {
			pending = append(pending, i)
			continue
		}
		d, ok, err := t.lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			results[i] = &d
			continue
		}
		if t.cfg.Policy == RejectUnsupported {
			return nil, &TranslationError{Field: "image_url", Reason: "only data: URLs and ids returned by /v1/uploads are supported"}
		}
		t.logger.Warn("dropping unsupported image reference", "ref", truncate(ref, 80))
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentUploads)
	for _, i := range pending {
		g.Go(func() error {
			d, err := t.cfg.Uploader.UploadDataURL(gCtx, refs[i], "temp_upload")
			if errors.Is(err, attach.ErrNotDataURL) {
				return &TranslationError{Field: "image_url", Reason: err.Error()}
			}
			if err != nil {
				return fmt.Errorf("uploading image %d: %w", i, err)
			}
			results[i] = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make([]attach.Descriptor, 0, len(results))
	for _, d := range results {
		if d != nil {
			files = append(files, *d)
		}
	}
	return files, nil
}

func (t *Translator) lookup(ctx context.Context, id string) (attach.Descriptor, bool, error) {
	if t.cfg.Uploads == nil {
		return attach.Descriptor{}, false, nil
	}
	d, ok, err := t.cfg.Uploads.LookupUpload(ctx, id)
	if err != nil {
		return attach.Descriptor{}, false, fmt.Errorf("looking up upload %s: %w", id, err)
	}
	return d, ok, nil
}

// BuildPayload produces the vendor completion request for chatID. The vendor
// only returns results as a stream, so stream is always requested.
func BuildPayload(chatID string, tr Translated, now time.Time) upstream.CompletionRequest {
	ts := now.UnixMilli()
	files := make([]upstream.File, 0, len(tr.Files))
	for _, d := range tr.Files {
		files = append(files, FileFromDescriptor(d, ts))
	}

	msg := upstream.CompletionMessage{
		FID:           uuid.New().String(),
		ChildrenIDs:   []string{uuid.New().String()},
		Role:          "user",
		Content:       tr.Transcript,
		UserAction:    "chat",
		Files:         files,
		Timestamp:     ts,
		Models:        []string{tr.ModelID},
		ChatType:      "t2t",
		FeatureConfig: upstream.FeatureConfig{OutputSchema: "phase"},
		SubChatType:   "t2t",
	}
	msg.Extra.Meta.SubChatType = "t2t"

	return upstream.CompletionRequest{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          "normal",
		Model:             tr.ModelID,
		Messages:          []upstream.CompletionMessage{msg},
		Timestamp:         ts,
	}
}

// FileFromDescriptor renders d in the vendor's file reference shape. The
// descriptor's upload task id doubles as the item id.
func FileFromDescriptor(d attach.Descriptor, ts int64) upstream.File {
	return upstream.File{
		Type: "image",
		File: upstream.FileInfo{
			CreatedAt: ts,
			Data:      map[string]any{},
			Filename:  d.Filename,
			ID:        d.RemoteID,
			Meta: upstream.FileMeta{
				Name:        d.Filename,
				Size:        d.SizeBytes,
				ContentType: d.MimeType,
			},
			UpdateAt: ts,
		},
		ID:           d.RemoteID,
		URL:          d.URL,
		Name:         d.Filename,
		Status:       "uploaded",
		GreenNet:     "success",
		Size:         d.SizeBytes,
		ItemID:       d.UploadTaskID,
		FileType:     d.MimeType,
		ShowType:     "image",
		FileClass:    "vision",
		UploadTaskID: d.UploadTaskID,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

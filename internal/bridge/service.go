package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kalambet/qwenbridge/internal/attach"
	"github.com/kalambet/qwenbridge/internal/catalog"
	"github.com/kalambet/qwenbridge/internal/metrics"
	"github.com/kalambet/qwenbridge/internal/session"
	"github.com/kalambet/qwenbridge/internal/storage"
	"github.com/kalambet/qwenbridge/internal/stream"
	"github.com/kalambet/qwenbridge/internal/translate"
	"github.com/kalambet/qwenbridge/internal/upstream"
)

// Catalog is the part of catalog.Catalog the service needs.
type Catalog interface {
	Has(ctx context.Context, id string) bool
	List(ctx context.Context) []catalog.Entry
}

// Uploader uploads an embedded image.
type Uploader interface {
	UploadDataURL(ctx context.Context, dataURL, prefix string) (attach.Descriptor, error)
}

// Registry persists uploads made through the uploads endpoint.
type Registry interface {
	SaveUpload(ctx context.Context, u storage.Upload) error
	GetUpload(ctx context.Context, id string) (storage.Upload, error)
}

// Config wires a Service. Registry and Metrics are optional.
type Config struct {
	Client       *upstream.Client
	Sessions     *session.Manager
	Catalog      Catalog
	Uploader     Uploader
	Registry     Registry
	Metrics      *metrics.Collector
	DefaultModel string
	Policy       translate.UnsupportedPolicy
}

// Service is safe for concurrent use; it holds no per-request state.
type Service struct {
	client     *upstream.Client
	sessions   *session.Manager
	catalog    Catalog
	uploader   Uploader
	registry   Registry
	metrics    *metrics.Collector
	translator *translate.Translator
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Service {
	uploader := cfg.Uploader
	if uploader != nil && cfg.Metrics != nil {
		uploader = meteredUploader{cfg.Uploader, cfg.Metrics}
	}
	s := &Service{
		client:   cfg.Client,
		sessions: cfg.Sessions,
		catalog:  cfg.Catalog,
		uploader: uploader,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		logger:   slog.Default().With("component", "bridge"),
		now:      time.Now,
	}
	tcfg := translate.Config{
		Catalog:      cfg.Catalog,
		Uploader:     uploader,
		DefaultModel: cfg.DefaultModel,
		Policy:       cfg.Policy,
	}
	if cfg.Registry != nil {
		tcfg.Uploads = s
	}
	s.translator = translate.New(tcfg)
	return s
}

// meteredUploader counts outcomes of inline and endpoint uploads alike.
type meteredUploader struct {
	Uploader
	metrics *metrics.Collector
}

func (u meteredUploader) UploadDataURL(ctx context.Context, dataURL, prefix string) (attach.Descriptor, error) {
	d, err := u.Uploader.UploadDataURL(ctx, dataURL, prefix)
	u.metrics.RecordUpload(err)
	return d, err
}

// call is one request's open upstream exchange.
type call struct {
	session *session.Session
	body    io.ReadCloser
	decoder *stream.Decoder
	meta    stream.Meta
	mode    string
	started time.Time
}

func (c *call) close() {
	c.body.Close()
	c.session.Close()
}

// begin translates req, opens a session and starts the upstream stream. On
// success the caller owns the returned call and must close it.
func (s *Service) begin(ctx context.Context, req translate.ChatRequest) (*call, error) {
	started := s.now()
	tr, err := s.translator.Translate(ctx, req)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Open(ctx, tr.ModelID)
	if err != nil {
		return nil, fmt.Errorf("opening upstream chat: %w", err)
	}

	payload := translate.BuildPayload(sess.ID, tr, s.now())
	path := upstream.PathCompletions + "?chat_id=" + url.QueryEscape(sess.ID)
	body, err := s.client.OpenStream(ctx, path, payload)
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("starting completion: %w", err)
	}

	mode := "json"
	if tr.Stream {
		mode = "stream"
	}
	s.logger.Debug("completion started",
		"chat_id", sess.ID,
		"model", tr.ModelID,
		"requested_model", tr.RequestedModel,
		"files", len(tr.Files),
		"mode", mode,
	)
	return &call{
		session: sess,
		body:    body,
		decoder: stream.NewDecoder(body),
		meta:    stream.Meta{ChatID: sess.ID, Model: tr.RequestedModel, Created: s.now()},
		mode:    mode,
		started: started,
	}, nil
}

func (s *Service) finish(c *call, res stream.Result) {
	duration := s.now().Sub(c.started)
	s.metrics.RecordRequest(c.session.ModelID, c.mode, string(res.Outcome), duration,
		res.Usage.PromptTokens, res.Usage.CompletionTokens)

	attrs := []any{
		"chat_id", c.session.ID,
		"model", c.meta.Model,
		"outcome", res.Outcome,
		"chunks", res.Chunks,
		"duration_ms", duration.Milliseconds(),
	}
	if n := c.decoder.Malformed(); n > 0 {
		attrs = append(attrs, "malformed", n)
	}
	if res.Err != nil && res.Outcome == stream.OutcomeUpstream {
		s.logger.Warn("completion failed", append(attrs, "error", res.Err)...)
		return
	}
	s.logger.Info("completion finished", attrs...)
}

// Complete serves one chat completion to w. Errors are returned only while
// nothing has been written; once streaming starts, failures are reported
// in-band and Complete returns nil.
func (s *Service) Complete(ctx context.Context, req translate.ChatRequest, w http.ResponseWriter) error {
	c, err := s.begin(ctx, req)
	if err != nil {
		return err
	}
	defer c.close()

	if c.mode == "stream" {
		res := stream.Forward(ctx, w, c.decoder, c.meta)
		s.finish(c, res)
		return nil
	}

	res, err := stream.Aggregate(ctx, c.decoder)
	s.finish(c, res)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(stream.Completion(res, c.meta))
}

// Chat runs a request to completion and returns the aggregated answer,
// ignoring req.Stream.
func (s *Service) Chat(ctx context.Context, req translate.ChatRequest) (translate.Completion, error) {
	req.Stream = false
	c, err := s.begin(ctx, req)
	if err != nil {
		return translate.Completion{}, err
	}
	defer c.close()

	res, err := stream.Aggregate(ctx, c.decoder)
	s.finish(c, res)
	if err != nil {
		return translate.Completion{}, err
	}
	return stream.Completion(res, c.meta), nil
}

// Upload pushes an embedded image and records it so later requests can refer
// to it by id.
func (s *Service) Upload(ctx context.Context, dataURL string) (attach.Descriptor, error) {
	d, err := s.uploader.UploadDataURL(ctx, dataURL, "uploaded_via_api")
	if err != nil {
		if errors.Is(err, attach.ErrNotDataURL) {
			return attach.Descriptor{}, &translate.TranslationError{Field: "file_data", Reason: err.Error()}
		}
		return attach.Descriptor{}, err
	}

	if s.registry != nil {
		rec := storage.Upload{
			ID:           d.RemoteID,
			URL:          d.URL,
			Filename:     d.Filename,
			MimeType:     d.MimeType,
			SizeBytes:    d.SizeBytes,
			UploadTaskID: d.UploadTaskID,
			CreatedAt:    d.CreatedAt,
		}
		if err := s.registry.SaveUpload(ctx, rec); err != nil {
			s.logger.Warn("upload not registered", "file_id", d.RemoteID, "error", err)
		}
	}
	return d, nil
}

// LookupUpload resolves an id returned by Upload.
func (s *Service) LookupUpload(ctx context.Context, id string) (attach.Descriptor, bool, error) {
	if s.registry == nil {
		return attach.Descriptor{}, false, nil
	}
	u, err := s.registry.GetUpload(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return attach.Descriptor{}, false, nil
	}
	if err != nil {
		return attach.Descriptor{}, false, err
	}
	return attach.Descriptor{
		RemoteID:     u.ID,
		URL:          u.URL,
		Filename:     u.Filename,
		MimeType:     u.MimeType,
		SizeBytes:    u.SizeBytes,
		UploadTaskID: u.UploadTaskID,
		CreatedAt:    u.CreatedAt,
	}, true, nil
}

// DeleteChat removes an upstream chat by id. The error is informational;
// callers report success regardless.
func (s *Service) DeleteChat(ctx context.Context, id string) error {
	return s.sessions.DeleteByID(ctx, id)
}

// Models lists the catalog in OpenAI shape.
func (s *Service) Models(ctx context.Context) translate.ModelList {
	entries := s.catalog.List(ctx)
	list := translate.ModelList{Object: "list", Data: make([]translate.Model, 0, len(entries))}
	for _, e := range entries {
		owner := e.OwnedBy
		if owner == "" {
			owner = "qwen"
		}
		list.Data = append(list.Data, translate.Model{
			ID:      e.ID,
			Object:  "model",
			Created: e.CreatedAt,
			OwnedBy: owner,
		})
	}
	return list
}

// DefaultModel exposes the fallback model id.
func (s *Service) DefaultModel() string {
	return s.translator.DefaultModel()
}

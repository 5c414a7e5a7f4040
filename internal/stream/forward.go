package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/qwenbridge/internal/translate"
	"github.com/kalambet/qwenbridge/internal/upstream"
)

// Outcome classifies how a stream ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeUpstream   Outcome = "upstream_error"
	OutcomeClientGone Outcome = "client_gone"
)

// Meta identifies the frames of one response.
type Meta struct {
	ChatID  string
	Model   string
	Created time.Time
}

// ChunkID returns the OpenAI id for a vendor chat.
func ChunkID(chatID string) string {
	if len(chatID) > 10 {
		chatID = chatID[:10]
	}
	return "chatcmpl-" + chatID
}

// Result summarizes a forwarded or aggregated stream.
type Result struct {
	Outcome      Outcome
	Content      string
	FinishReason string
	Usage        translate.Usage
	Chunks       int
	Err          error
}

// Source yields deltas. *Decoder implements it.
type Source interface {
	Next() (Delta, error)
}

// Forward writes each content delta from src to w as a chat.completion.chunk
// frame, flushing after every frame. It always ends a stream it started with
// exactly one terminal chunk followed by [DONE], unless the client went away.
func Forward(ctx context.Context, w http.ResponseWriter, src Source, meta Meta) Result {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fw := &frameWriter{w: w, meta: meta}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}

	res := Result{FinishReason: "stop"}
	var content strings.Builder

	for {
		if ctx.Err() != nil {
			res.Outcome = OutcomeClientGone
			res.Err = ctx.Err()
			break
		}
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			res.Outcome = OutcomeCompleted
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeClientGone
				res.Err = ctx.Err()
				break
			}
			res.Outcome = OutcomeUpstream
			res.Err = err
			break
		}

		if d.Usage != nil {
			res.Usage = mapUsage(*d.Usage)
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			if werr := fw.write(fw.chunk(translate.ChunkDelta{Content: d.Content}, nil)); werr != nil {
				res.Outcome = OutcomeClientGone
				res.Err = werr
				break
			}
			res.Chunks++
		}
		if d.Finished() {
			res.FinishReason = finishReason(d)
		}
	}

	res.Content = content.String()

	switch res.Outcome {
	case OutcomeCompleted:
		reason := res.FinishReason
		if fw.write(fw.chunk(translate.ChunkDelta{}, &reason)) == nil {
			fw.done()
		}
	case OutcomeUpstream:
		reason := "error"
		frame := translate.Chunk{
			ID:      "chatcmpl-error",
			Object:  "chat.completion.chunk",
			Created: meta.Created.Unix(),
			Model:   meta.Model,
			Choices: []translate.ChunkChoice{{
				Delta:        translate.ChunkDelta{Content: fmt.Sprintf("Error during streaming: %v", res.Err)},
				FinishReason: &reason,
			}},
		}
		if fw.write(frame) == nil {
			fw.done()
		}
		res.FinishReason = reason
	}
	return res
}

func finishReason(d Delta) string {
	if d.FinishReason != "" {
		return d.FinishReason
	}
	return "stop"
}

func mapUsage(u upstream.Usage) translate.Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return translate.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

type frameWriter struct {
	w       io.Writer
	flusher http.Flusher
	meta    Meta
}

func (fw *frameWriter) chunk(delta translate.ChunkDelta, finish *string) translate.Chunk {
	return translate.Chunk{
		ID:      ChunkID(fw.meta.ChatID),
		Object:  "chat.completion.chunk",
		Created: fw.meta.Created.Unix(),
		Model:   fw.meta.Model,
		Choices: []translate.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func (fw *frameWriter) write(c translate.Chunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	fw.flush()
	return nil
}

func (fw *frameWriter) done() {
	if _, err := io.WriteString(fw.w, "data: [DONE]\n\n"); err == nil {
		fw.flush()
	}
}

func (fw *frameWriter) flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kalambet/qwenbridge/internal/translate"
)

// Aggregate drains src into one completion. A read failure before the end of
// the stream is returned as an error; partial content is discarded.
func Aggregate(ctx context.Context, src Source) (Result, error) {
	res := Result{FinishReason: "stop"}
	var content strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return Result{Outcome: OutcomeClientGone, Err: err}, err
		}
		d, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeClientGone, Err: ctx.Err()}, ctx.Err()
			}
			return Result{Outcome: OutcomeUpstream, Err: err}, fmt.Errorf("reading upstream stream: %w", err)
		}
		if d.Usage != nil {
			res.Usage = mapUsage(*d.Usage)
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			res.Chunks++
		}
		if d.Finished() {
			res.FinishReason = finishReason(d)
		}
	}

	res.Outcome = OutcomeCompleted
	res.Content = content.String()
	return res, nil
}

// Completion renders res as a chat.completion object.
func Completion(res Result, meta Meta) translate.Completion {
	return translate.Completion{
		ID:      ChunkID(meta.ChatID),
		Object:  "chat.completion",
		Created: meta.Created.Unix(),
		Model:   meta.Model,
		Choices: []translate.CompletionChoice{{
			Message:      translate.AssistantOutput{Role: "assistant", Content: res.Content},
			FinishReason: res.FinishReason,
		}},
		Usage: res.Usage,
	}
}

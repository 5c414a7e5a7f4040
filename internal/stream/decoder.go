package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/kalambet/qwenbridge/internal/upstream"
)

const maxLineSize = 1 << 20

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// Delta is one decoded upstream event.
type Delta struct {
	Content      string
	Phase        string
	Status       string
	FinishReason string
	Usage        *upstream.Usage
}

// Finished reports whether the vendor marked the answer complete.
func (d Delta) Finished() bool { return d.Status == "finished" }

// Reasoning reports whether the fragment belongs to the thinking phase.
func (d Delta) Reasoning() bool { return d.Phase == "think" }

// Decoder reads vendor SSE lines and yields deltas in arrival order.
// Next returns io.EOF after the [DONE] marker or at the end of the body.
type Decoder struct {
	sc        *bufio.Scanner
	done      bool
	malformed int
	logger    *slog.Logger
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{sc: sc, logger: slog.Default().With("component", "stream.decoder")}
}

// Next returns the next delta. Lines that are not data frames and payloads
// that are not valid JSON are skipped.
func (d *Decoder) Next() (Delta, error) {
	if d.done {
		return Delta{}, io.EOF
	}
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			d.done = true
			return Delta{}, io.EOF
		}

		var chunk upstream.StreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			d.malformed++
			d.logger.Debug("skipping malformed stream payload", "error", err)
			continue
		}

		delta := Delta{Usage: chunk.Usage}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0].Delta
			delta.Content = c.Content
			delta.Phase = c.Phase
			delta.Status = c.Status
			delta.FinishReason = c.FinishReason
		} else if chunk.Usage == nil {
			continue
		}
		return delta, nil
	}
	d.done = true
	if err := d.sc.Err(); err != nil {
		return Delta{}, err
	}
	return Delta{}, io.EOF
}

// Malformed returns how many payloads were skipped as invalid JSON.
func (d *Decoder) Malformed() int { return d.malformed }

// Package stream consumes the message firehose and hands admitted events to
// the ingest pipeline. Admission is channel allow-listing plus a text-only
// content gate; everything else is committed and skipped.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is one message as produced on the stream topic.
type Event struct {
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	Channel     string    `json:"channel"`
	Sender      string    `json:"sender,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Decode parses a raw payload into an Event. A payload without a channel is
// malformed; emptiness of the content is the gate's call, not a decode error.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if strings.TrimSpace(e.Channel) == "" {
		return Event{}, fmt.Errorf("event has no channel")
	}
	return e, nil
}

// Gate decides which events reach extraction.
type Gate struct {
	channels map[string]bool // empty admits every channel
}

func NewGate(channels []string) *Gate {
	m := make(map[string]bool, len(channels))
	for _, c := range channels {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			m[c] = true
		}
	}
	return &Gate{channels: m}
}

// Admit reports whether the event should be processed, with a reason when not.
func (g *Gate) Admit(e Event) (bool, string) {
	if strings.TrimSpace(e.Content) == "" {
		return false, "empty content"
	}
	if !textLike(e.ContentType) {
		return false, "content type " + e.ContentType + " is not text"
	}
	if len(g.channels) > 0 && !g.channels[strings.ToLower(e.Channel)] {
		return false, "channel " + e.Channel + " not in allow-list"
	}
	return true, ""
}

// textLike reports whether a content type carries prose worth extracting.
// An absent type is treated as plain text.
func textLike(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" || ct == "text" {
		return true
	}
	// Strip parameters like "; charset=utf-8".
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.HasPrefix(ct, "text/")
}

package agent

import (
	"github.com/hazyhaar/steprec/recorder/internal/capture"
	"github.com/hazyhaar/steprec/recorder/internal/stability"
)

// EventType names a page script event.
type EventType string

const (
	EventClick     EventType = "click"
	EventMutations EventType = "mutations"
	EventLoad      EventType = "load"
	EventReady     EventType = "ready"
)

// Event is the JSON payload the page script sends over the runtime binding.
type Event struct {
	Type      EventType            `json:"type"`
	Click     *capture.Click       `json:"click,omitempty"`
	Mutations []stability.Mutation `json:"mutations,omitempty"`
	URL       string               `json:"url,omitempty"`
}

// Package events defines the typed activation events published on the bus.
//
// Events form a closed set of variants. Consumers switch on the concrete
// type; there is no stringly-typed dispatch on event names in the core.
package events

import (
	"fmt"
	"time"
)

// Event channels. Full topics are "<channel>:<key>" where key is an
// activation id or download id; see Topic.
const (
	ChannelActivationStart    = "activation:start"
	ChannelActivationProgress = "activation:progress"
	ChannelActivationDebug    = "activation:debug"
	ChannelActivationComplete = "activation:complete"
	ChannelActivationError    = "activation:error"

	// Broadcast topics carry no key.
	TopicActiveModelChanged  = "active-model-changed"
	TopicWorkerStatusChanged = "worker-status-changed"
	TopicDownloadActivity    = "download-activity"
)

// Topic builds a keyed topic string for a channel.
func Topic(channel, key string) string {
	return fmt.Sprintf("%s:%s", channel, key)
}

// DebugLevel classifies log lines surfaced as debug events.
type DebugLevel string

const (
	DebugInfo    DebugLevel = "INFO"
	DebugWarning DebugLevel = "WARNING"
	DebugError   DebugLevel = "ERROR"
	DebugPerf    DebugLevel = "PERF"
)

// ActivationEvent is the closed sum of activation event variants.
// Only the types in this package implement it.
type ActivationEvent interface {
	// ActivationID returns the activation this event belongs to.
	ActivationID() string
	// Terminal reports whether no further events follow for this activation.
	Terminal() bool

	isActivationEvent()
}

// Start is published exactly once, when an activation begins.
type Start struct {
	ID        string `json:"activationId"`
	ModelID   int64  `json:"modelId"`
	ModelName string `json:"modelName"`
}

// Progress reports forward movement through the activation steps.
// ProgressPct is monotonically non-decreasing within an activation.
type Progress struct {
	ID          string `json:"activationId"`
	ProgressPct int    `json:"progress"`
	Message     string `json:"message"`
	Step        string `json:"step"`
}

// Debug carries a classified engine log line. Unbounded; may interleave
// with Progress.
type Debug struct {
	ID        string     `json:"activationId"`
	Level     DebugLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Complete is terminal: the model is ready and committed as active.
type Complete struct {
	ID          string `json:"activationId"`
	ModelID     int64  `json:"modelId"`
	ModelName   string `json:"modelName"`
	ProgressPct int    `json:"progress"` // always 100
	Step        string `json:"step"`     // always "ready"
}

// Error is terminal: the activation failed and cleanup has run.
type Error struct {
	ID           string `json:"activationId"`
	ErrorMessage string `json:"error"`
	ModelID      int64  `json:"modelId"`
	ModelName    string `json:"modelName"`
}

func (e Start) ActivationID() string    { return e.ID }
func (e Progress) ActivationID() string { return e.ID }
func (e Debug) ActivationID() string    { return e.ID }
func (e Complete) ActivationID() string { return e.ID }
func (e Error) ActivationID() string    { return e.ID }

func (Start) Terminal() bool    { return false }
func (Progress) Terminal() bool { return false }
func (Debug) Terminal() bool    { return false }
func (Complete) Terminal() bool { return true }
func (Error) Terminal() bool    { return true }

func (Start) isActivationEvent()    {}
func (Progress) isActivationEvent() {}
func (Debug) isActivationEvent()    {}
func (Complete) isActivationEvent() {}
func (Error) isActivationEvent()    {}

// Channel returns the bus channel a variant is published on.
func Channel(ev ActivationEvent) string {
	switch ev.(type) {
	case Start:
		return ChannelActivationStart
	case Progress:
		return ChannelActivationProgress
	case Debug:
		return ChannelActivationDebug
	case Complete:
		return ChannelActivationComplete
	case Error:
		return ChannelActivationError
	default:
		return ""
	}
}

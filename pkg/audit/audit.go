// Package audit defines the structured audit event every mutating operation
// emits. The engine's only obligation is to produce the event; delivery
// (outbox, message bus, file) is the sink implementation's concern.
package audit

import (
	"context"

	"github.com/cumulusfs/cumulus/internal/logger"
)

// Action identifies the audited operation.
type Action string

const (
	ActionMkdir    Action = "mkdir"
	ActionMove     Action = "move"
	ActionRename   Action = "rename"
	ActionDelete   Action = "delete"
	ActionRestore  Action = "restore"
	ActionPurge    Action = "purge"
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionCompress Action = "compress"
	ActionExtract  Action = "extract"
)

// Event is one structured audit record.
type Event struct {
	Action       Action `json:"action"`
	ResourceType string `json:"resource_type"` // file, dir, upload, archive
	ResourceID   string `json:"resource_id"`
	Path         string `json:"path,omitempty"`
	UserID       string `json:"user_id"`
	Detail       string `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations must not block the calling
// operation; slow delivery belongs behind a queue.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes audit events to the structured log.
type LogSink struct{}

// NewLogSink returns a Sink that logs events at info level.
func NewLogSink() *LogSink { return &LogSink{} }

// Record logs the event.
func (s *LogSink) Record(ctx context.Context, ev Event) {
	logger.InfoCtx(ctx, "audit",
		"action", string(ev.Action),
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
		"path", ev.Path,
		"user_id", ev.UserID,
		"detail", ev.Detail,
	)
}

// NopSink discards all events. Test helper.
type NopSink struct{}

// Record discards the event.
func (NopSink) Record(context.Context, Event) {}

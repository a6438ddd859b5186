package audit

import (
	"context"

	"github.com/rs/zerolog"
)

type actorKey struct{}

// WithActor attaches the name of whoever is acting to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the actor attached to ctx, or "system".
func Actor(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Logger provides structured audit logging for operationally significant events:
// who froze the system, what purge removed, who replaced a cleanup policy.
// All audit events are logged with structured fields for easy filtering and analysis.
// A nil *Logger is valid and discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogFreeze logs a freeze request or release.
// action: "request", "release", "release_all" or "restore"
// initiatorType: USER_INITIATED or SYSTEM_INITIATED
// result: "frozen", "released", "unchanged" or "failed"
func (l *Logger) LogFreeze(action, initiatorType, initiator, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "freeze").
		Str("action", action).
		Str("initiator_type", initiatorType).
		Str("initiator", initiator).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Freeze event")
}

// LogPurge logs the outcome of a purge run against one repository.
// result: "completed", "canceled" or "failed"
func (l *Logger) LogPurge(repository string, olderThanDays int, assets, components int64, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "purge").
		Str("repository", repository).
		Int("older_than_days", olderThanDays).
		Int64("assets_deleted", assets).
		Int64("components_deleted", components).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Purge event")
}

// LogPolicy logs a cleanup policy change.
// action: "create", "replace" or "delete"
func (l *Logger) LogPolicy(actor, action, policy string, version int64, details string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "cleanup_policy").
		Str("actor", actor).
		Str("action", action).
		Str("policy", policy).
		Int64("version", version)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Cleanup policy event")
}

// LogBackup logs a snapshot run.
// result: "completed" or "failed"
func (l *Logger) LogBackup(dir string, files []string, result, details string) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if result == "failed" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "backup").
		Str("dir", dir).
		Strs("files", files).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Backup event")
}

package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/schema"
)

type contextKey int

const (
	sessionKey contextKey = iota
	modelKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the context logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionModel annotates the context logger with session and model identifiers.
func WithSessionModel(ctx context.Context, sessionID schema.SessionID, model schema.ModelID) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if model != "" {
		if current, ok := ctx.Value(modelKey).(schema.ModelID); ok && current == model {
			return log
		}
		log = log.With("model", model)
	}
	return log
}

// WithScreen annotates the logger with screen metadata.
func WithScreen(log pslog.Logger, header schema.ScreenHeader) pslog.Logger {
	if header.Name != "" {
		log = log.With("screen", header.Name)
	}
	if header.IsEdit {
		log = log.With("edit", true)
	}
	if header.HasGrid() {
		log = log.With("grid_col", *header.GridCol, "grid_row", *header.GridRow)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithModel stores the model marker on the context for log de-duplication.
func ContextWithModel(ctx context.Context, model schema.ModelID) context.Context {
	if ctx == nil || model == "" {
		return ctx
	}
	return context.WithValue(ctx, modelKey, model)
}

// ContextWithSessionLogger attaches the logger and session/model markers to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID, model schema.ModelID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithModel(ContextWithSession(ctx, sessionID), model)
}

// CopyContextFields copies session/model markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if id, ok := src.Value(sessionKey).(schema.SessionID); ok && id != "" {
		dst = ContextWithSession(dst, id)
	}
	if model, ok := src.Value(modelKey).(schema.ModelID); ok && model != "" {
		dst = ContextWithModel(dst, model)
	}
	return dst
}

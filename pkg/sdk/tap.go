// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sdk

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/logsentry/logsentry/pkg/logrecord"
	"github.com/logsentry/logsentry/pkg/sdk/buffer"
)

// tapHandler tees slog records into the SDK buffer while delegating
// the host's own output to the wrapped handler. The enqueue is
// non-blocking; re-entrant emissions (anything logged while a capture
// is in flight on the same handler) are dropped rather than looped.
type tapHandler struct {
	base     slog.Handler
	buf      *buffer.Buffer
	minLevel slog.Level
	service  string
	// preAttrs holds attrs bound via With, already flattened under the
	// group prefix that was active when they were added.
	preAttrs map[string]any
	group    string

	// capturing guards against recursion through the default logger.
	capturing *atomic.Bool
}

func newTapHandler(base slog.Handler, buf *buffer.Buffer, minLevel slog.Level, service string) *tapHandler {
	return &tapHandler{
		base:      base,
		buf:       buf,
		minLevel:  minLevel,
		service:   service,
		capturing: atomic.NewBool(false),
	}
}

func (h *tapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level) || level >= h.minLevel
}

func (h *tapHandler) Handle(ctx context.Context, rec slog.Record) error {
	var err error
	if h.base.Enabled(ctx, rec.Level) {
		err = h.base.Handle(ctx, rec)
	}
	if rec.Level < h.minLevel {
		return err
	}
	if !h.capturing.CompareAndSwap(false, true) {
		return err
	}
	defer h.capturing.Store(false)

	h.buf.Push(h.convert(rec))
	return err
}

func (h *tapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.base = h.base.WithAttrs(attrs)
	clone.preAttrs = make(map[string]any, len(h.preAttrs)+len(attrs))
	for k, v := range h.preAttrs {
		clone.preAttrs[k] = v
	}
	for _, a := range attrs {
		flatten(clone.preAttrs, a, h.group)
	}
	return &clone
}

func (h *tapHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.base = h.base.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}

// convert maps one slog record onto the wire model.
func (h *tapHandler) convert(rec slog.Record) *logrecord.Record {
	out := &logrecord.Record{
		Timestamp: rec.Time,
		Level:     mapLevel(rec.Level),
		Message:   rec.Message,
		Service:   h.service,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}

	attrs := make(map[string]any, len(h.preAttrs)+rec.NumAttrs())
	for k, v := range h.preAttrs {
		attrs[k] = v
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "service" && a.Value.Kind() == slog.KindString {
			out.Service = a.Value.String()
			return true
		}
		flatten(attrs, a, h.group)
		return true
	})
	if len(attrs) > 0 {
		if len(attrs) > logrecord.MaxAttributes {
			// Attribute cap is enforced at capture by dropping the
			// overflow rather than the record.
			trimmed := make(map[string]any, logrecord.MaxAttributes)
			for k, v := range attrs {
				if len(trimmed) == logrecord.MaxAttributes {
					break
				}
				trimmed[k] = v
			}
			attrs = trimmed
		}
		out.Attributes = attrs
	}
	out.Truncate()
	return out
}

// flatten writes one attr into dst under the given group prefix. Group
// values are flattened one level; deeper nesting collapses to strings
// via scalarize.
func flatten(dst map[string]any, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			dst[key+"."+sub.Key] = scalarize(sub.Value)
		}
		return
	}
	dst[key] = scalarize(a.Value)
}

// scalarize renders a slog value as a wire scalar.
func scalarize(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}

// mapLevel translates slog levels onto the canonical enum.
func mapLevel(l slog.Level) logrecord.Level {
	switch {
	case l < slog.LevelDebug:
		return logrecord.LevelTrace
	case l < slog.LevelInfo:
		return logrecord.LevelDebug
	case l < slog.LevelWarn:
		return logrecord.LevelInfo
	case l < slog.LevelError:
		return logrecord.LevelWarning
	case l == slog.LevelError:
		return logrecord.LevelError
	default:
		return logrecord.LevelCritical
	}
}

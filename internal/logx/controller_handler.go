package logx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ControllerLogHandler wraps an slog.Handler and additionally writes any
// record carrying a "module" attribute to that module's own log file under
// run/modules/{id}.log. This mirrors the module's own slog.Handler guide
// shape used elsewhere in this lineage: shared mutable state (the file
// cache) lives behind a pointer so WithAttrs/WithGroup derivatives keep
// writing to the same cache instead of opening duplicate file handles.
type ControllerLogHandler struct {
	slog.Handler
	logPathFunc func(module string) string
	state       *sharedState
}

type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewControllerLogHandler wraps handler, writing records tagged with a
// "module" attribute to logPathFunc(module) in addition to handler.
func NewControllerLogHandler(handler slog.Handler, logPathFunc func(module string) string) *ControllerLogHandler {
	return &ControllerLogHandler{
		Handler:     handler,
		logPathFunc: logPathFunc,
		state:       &sharedState{fileCache: make(map[string]*os.File)},
	}
}

func (h *ControllerLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var module string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" {
			module = a.Value.String()
			return false
		}
		return true
	})

	if module != "" {
		h.writeToModuleLog(module, r)
	}
	return nil
}

func (h *ControllerLogHandler) writeToModuleLog(module string, r slog.Record) {
	logPath := h.logPathFunc(module)
	if logPath == "" {
		return
	}

	timestamp := r.Time.Format(time.RFC3339)
	line := fmt.Sprintf("%s %s %s", timestamp, r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "module" {
			line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		}
		return true
	})
	line += "\n"

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[module]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return
		}
		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		h.state.fileCache[module] = f
	}
	_, _ = f.WriteString(line)
}

func (h *ControllerLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ControllerLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

func (h *ControllerLogHandler) WithGroup(name string) slog.Handler {
	return &ControllerLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state,
	}
}

// CloseAll closes every cached per-module file handle. Call during shutdown.
func (h *ControllerLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	for id, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, id)
	}
}

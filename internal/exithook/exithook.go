// Package exithook is the last-resort cleanup path for process exit. Mains
// own a Hooks value, register teardown functions on it, and defer Run and
// Recover so hooks fire on normal return, on signals and on panics.
package exithook

import (
	"log/slog"
	"sync"
)

// Hooks runs registered functions once, in reverse registration order.
type Hooks struct {
	mu     sync.Mutex
	fns    []hook
	ran    bool
	logger *slog.Logger
}

type hook struct {
	name string
	fn   func()
}

func New(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{logger: logger.With(slog.String("component", "exithook"))}
}

// Add registers fn. Hooks added after Run are ignored.
func (h *Hooks) Add(name string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ran {
		h.logger.Warn("exit hook registered after shutdown", slog.String("hook", name))
		return
	}
	h.fns = append(h.fns, hook{name: name, fn: fn})
}

// Run invokes every hook exactly once. Later calls do nothing. A panicking
// hook is logged and does not prevent the rest from running.
func (h *Hooks) Run() {
	h.mu.Lock()
	if h.ran {
		h.mu.Unlock()
		return
	}
	h.ran = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		h.call(fns[i])
	}
}

func (h *Hooks) call(hk hook) {
	defer func() {
		if v := recover(); v != nil {
			h.logger.Error("exit hook panicked", slog.String("hook", hk.name), slog.Any("panic", v))
		}
	}()
	hk.fn()
}

// Recover runs the hooks when the caller is panicking and then re-panics.
// It must be deferred directly.
func (h *Hooks) Recover() {
	if v := recover(); v != nil {
		h.logger.Error("panic, running exit hooks", slog.Any("panic", v))
		h.Run()
		panic(v)
	}
}

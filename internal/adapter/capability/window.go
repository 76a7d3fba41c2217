package capability

import (
	"context"
	"log/slog"

	"toolhost/internal/domain"
	"toolhost/internal/usecase/exthost"
)

// WindowController drives the window of a UI surface. The desktop shell
// provides the real implementation.
type WindowController interface {
	Show(ctx context.Context, surfaceID string) error
	Hide(ctx context.Context, surfaceID string) error
	SetSize(ctx context.Context, surfaceID string, width, height int) error
	SetTitle(ctx context.Context, surfaceID, title string) error
	Minimize(ctx context.Context, surfaceID string) error
	Close(ctx context.Context, surfaceID string) error
}

// Window is the window.* capability.
type Window struct {
	ctl WindowController
}

// NewWindow creates the window module.
func NewWindow(ctl WindowController) *Window { return &Window{ctl: ctl} }

func (w *Window) Name() string { return "window" }

type sizeParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type titleParams struct {
	Title string `json:"title"`
}

func (w *Window) Methods() map[string]exthost.Handler {
	simple := func(fn func(context.Context, string) error) exthost.Handler {
		return method(func(ctx context.Context, call *exthost.Call, _ struct{}) (any, error) {
			return okResult{true}, fn(ctx, call.Surface)
		})
	}
	return map[string]exthost.Handler{
		"show":     simple(w.ctl.Show),
		"hide":     simple(w.ctl.Hide),
		"minimize": simple(w.ctl.Minimize),
		"close":    simple(w.ctl.Close),
		"setSize": method(func(ctx context.Context, call *exthost.Call, p sizeParams) (any, error) {
			if p.Width <= 0 || p.Height <= 0 {
				return nil, domain.NewDomainError("window.setSize", domain.ErrInvalidInput, "width and height must be positive")
			}
			return okResult{true}, w.ctl.SetSize(ctx, call.Surface, p.Width, p.Height)
		}),
		"setTitle": method(func(ctx context.Context, call *exthost.Call, p titleParams) (any, error) {
			return okResult{true}, w.ctl.SetTitle(ctx, call.Surface, p.Title)
		}),
	}
}

// HeadlessWindows is a WindowController for hosts without a display. It
// logs each request and succeeds.
type HeadlessWindows struct {
	logger *slog.Logger
}

// NewHeadlessWindows creates a HeadlessWindows.
func NewHeadlessWindows(logger *slog.Logger) *HeadlessWindows {
	return &HeadlessWindows{logger: logger.With("component", "window")}
}

func (h *HeadlessWindows) log(ctx context.Context, op, surface string, args ...any) error {
	h.logger.InfoContext(ctx, "window request", append([]any{"op", op, "surface", surface}, args...)...)
	return nil
}

func (h *HeadlessWindows) Show(ctx context.Context, s string) error     { return h.log(ctx, "show", s) }
func (h *HeadlessWindows) Hide(ctx context.Context, s string) error     { return h.log(ctx, "hide", s) }
func (h *HeadlessWindows) Minimize(ctx context.Context, s string) error { return h.log(ctx, "minimize", s) }
func (h *HeadlessWindows) Close(ctx context.Context, s string) error    { return h.log(ctx, "close", s) }

func (h *HeadlessWindows) SetSize(ctx context.Context, s string, width, height int) error {
	return h.log(ctx, "setSize", s, "width", width, "height", height)
}

func (h *HeadlessWindows) SetTitle(ctx context.Context, s, title string) error {
	return h.log(ctx, "setTitle", s, "title", title)
}

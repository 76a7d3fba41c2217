package pluginsdk

import (
	"io"
	"log/slog"
)

// Option configures a Backend.
type Option func(*Backend)

// WithVersion sets the version announced in $ready.
func WithVersion(v string) Option {
	return func(b *Backend) { b.version = v }
}

// WithIO replaces stdin and stdout, mainly for tests.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(b *Backend) {
		b.in = in
		b.out = out
	}
}

// WithEnv overrides the environment read by New.
func WithEnv(env Env) Option {
	return func(b *Backend) { b.env = env }
}

// WithLogger sets the logger used for local diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

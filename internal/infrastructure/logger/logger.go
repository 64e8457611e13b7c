package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	ctxutil "3tcapital/ms_nfse_emissor/internal/infrastructure/context"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// contextHandler adds the correlation id and the outbound operation carried
// by the context to every record logged with a *Context method.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		if id := ctxutil.GetCorrelationID(ctx); id != "" {
			record.AddAttrs(slog.String("correlation_id", id))
		}
		if op := ctxutil.GetOperation(ctx); op != "" {
			record.AddAttrs(slog.String("operation", op))
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// colorWriter wraps an io.Writer and adds color codes around the level string.
type colorWriter struct {
	writer io.Writer
}

func (cw *colorWriter) Write(p []byte) (n int, err error) {
	text := string(p)

	// slog.TextHandler format: "level=INFO"
	text = strings.Replace(text, "level=DEBUG", colorCyan+"level=DEBUG"+colorReset, 1)
	text = strings.Replace(text, "level=INFO", colorGreen+"level=INFO"+colorReset, 1)
	text = strings.Replace(text, "level=WARN", colorYellow+"level=WARN"+colorReset, 1)
	text = strings.Replace(text, "level=ERROR", colorRed+"level=ERROR"+colorReset, 1)

	_, err = cw.writer.Write([]byte(text))
	return len(p), err
}

// isTerminal checks if the writer is a terminal (TTY).
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// redactKeys lists attribute keys whose values never reach the log output.
var redactKeys = map[string]bool{
	"password":             true,
	"certificate_password": true,
	"consumer_secret":      true,
	"webhook_secret":       true,
	"token":                true,
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if redactKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// New builds a structured slog logger honoring the configured level and environment.
// For development environments (local, dev, development), it uses text output,
// colored when writing to a terminal. Other environments get JSON output.
func New(appName, level, environment string) *slog.Logger {
	return NewWithWriter(os.Stdout, appName, level, environment)
}

// NewWithWriter is New writing to w.
func NewWithWriter(w io.Writer, appName, level, environment string) *slog.Logger {
	env := strings.ToLower(strings.TrimSpace(environment))
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if env == "local" || env == "dev" || env == "development" {
		out := w
		if isTerminal(w) {
			out = &colorWriter{writer: w}
		}
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(contextHandler{handler}).With("app", appName)
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

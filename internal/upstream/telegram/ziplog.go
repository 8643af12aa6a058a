package telegram

import (
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zerologCore implements zapcore.Core by forwarding every zap entry gotd/td
// logs through it to a zerolog.Logger, the same "adapt a third-party
// logger behind a narrow interface" idiom used elsewhere for bridging an
// SDK's own logging port onto this codebase's structured logger.
type zerologCore struct {
	log zerolog.Logger
}

// newZapLogger builds the *zap.Logger gotd/td's telegram.Options expects,
// backed by log.
func newZapLogger(log zerolog.Logger) *zap.Logger {
	return zap.New(zerologCore{log: log})
}

func (c zerologCore) Enabled(zapcore.Level) bool { return true }

func (c zerologCore) With([]zapcore.Field) zapcore.Core { return c }

func (c zerologCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c)
}

func (c zerologCore) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	var event *zerolog.Event
	switch {
	case ent.Level >= zapcore.ErrorLevel:
		event = c.log.Error()
	case ent.Level == zapcore.WarnLevel:
		event = c.log.Warn()
	case ent.Level == zapcore.DebugLevel:
		event = c.log.Debug()
	default:
		event = c.log.Info()
	}
	event.Str("component", ent.LoggerName).Msg(ent.Message)
	return nil
}

func (c zerologCore) Sync() error { return nil }

package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologFactory routes pion's internal logging into zerolog.
type zerologFactory struct {
	base zerolog.Logger
}

func newLoggerFactory() logging.LoggerFactory {
	return zerologFactory{base: log.With().Str("module", "rtc.pion").Logger()}
}

func (f zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return zerologLogger{l: f.base.With().Str("scope", scope).Logger()}
}

type zerologLogger struct {
	l zerolog.Logger
}

func (z zerologLogger) Trace(msg string)                  { z.l.Trace().Msg(msg) }
func (z zerologLogger) Tracef(format string, args ...any) { z.l.Trace().Msgf(format, args...) }
func (z zerologLogger) Debug(msg string)                  { z.l.Debug().Msg(msg) }
func (z zerologLogger) Debugf(format string, args ...any) { z.l.Debug().Msgf(format, args...) }
func (z zerologLogger) Info(msg string)                   { z.l.Info().Msg(msg) }
func (z zerologLogger) Infof(format string, args ...any)  { z.l.Info().Msgf(format, args...) }
func (z zerologLogger) Warn(msg string)                   { z.l.Warn().Msg(msg) }
func (z zerologLogger) Warnf(format string, args ...any)  { z.l.Warn().Msgf(format, args...) }
func (z zerologLogger) Error(msg string)                  { z.l.Error().Msg(msg) }
func (z zerologLogger) Errorf(format string, args ...any) { z.l.Error().Msgf(format, args...) }

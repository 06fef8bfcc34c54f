package logging

import "github.com/rs/zerolog"

// NewZerologServiceLogger adapts a zerolog.Logger to ServiceLogger.
func NewZerologServiceLogger(log zerolog.Logger) ServiceLogger {
	return &zerologServiceLogger{log: log}
}

type zerologServiceLogger struct {
	log zerolog.Logger
}

func (z *zerologServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return z
	}
	return &zerologServiceLogger{log: z.log.With().Fields(map[string]any(fields)).Logger()}
}

func (z *zerologServiceLogger) Debug(msg string, fields LogFields) {
	z.log.Debug().Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Info(msg string, fields LogFields) {
	z.log.Info().Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Warn(msg string, fields LogFields) {
	z.log.Warn().Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Error(msg string, err error, fields LogFields) {
	z.log.Error().Err(err).Fields(map[string]any(fields)).Msg(msg)
}

func (z *zerologServiceLogger) Trace(msg string, fields LogFields) {
	z.log.Trace().Fields(map[string]any(fields)).Msg(msg)
}

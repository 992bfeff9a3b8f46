package logx

import "github.com/rs/zerolog"

// Zerolog returns a zerolog.Logger for libraries that take one directly.
// Lines keep l's With fields and go through the same sinks as l, including
// level and sink changes made by later Service.Apply calls.
func (l Logger) Zerolog() zerolog.Logger {
	if l.svc == nil {
		zl := l.zl()
		if len(l.fields) == 0 {
			return zl
		}
		return zl.Hook(bridgeHook{fields: l.fields})
	}
	return zerolog.New(liveWriter{s: l.svc}).
		Level(zerolog.TraceLevel).
		With().Timestamp().Logger().
		Hook(bridgeHook{svc: l.svc, fields: l.fields})
}

// bridgeHook drops events below the service's current level and adds the
// fixed fields to the rest.
type bridgeHook struct {
	svc    *Service
	fields []Field
}

func (h bridgeHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if h.svc != nil && level < h.svc.output().level {
		e.Discard()
		return
	}
	apply(e, h.fields)
}

// liveWriter resolves the service's current sinks on every write.
type liveWriter struct{ s *Service }

func (w liveWriter) Write(p []byte) (int, error) { return w.s.output().w.Write(p) }

func (w liveWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	return w.s.output().w.WriteLevel(level, p)
}

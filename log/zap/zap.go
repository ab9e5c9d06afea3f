package zap

import (
	"go.uber.org/zap"

	"github.com/unkn0wn-root/asidecache"
)

var _ asidecache.Logger = Logger{}

// Logger adapts a *zap.Logger. An "err" field holding an error is logged
// with zap.Error so it lands under the logger's error key.
type Logger struct{ L *zap.Logger }

func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z Logger) Debug(msg string, f asidecache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f asidecache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f asidecache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f asidecache.Fields) { z.L.Error(msg, fields(f)...) }

func fields(f asidecache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			out = append(out, zap.Error(err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

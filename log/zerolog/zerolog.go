package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/unkn0wn-root/asidecache"
)

var _ asidecache.Logger = Logger{}

type Logger struct{ L zerolog.Logger }

func New(l zerolog.Logger) Logger { return Logger{L: l} }

func (z Logger) Debug(msg string, f asidecache.Fields) { emit(z.L.Debug(), msg, f) }
func (z Logger) Info(msg string, f asidecache.Fields)  { emit(z.L.Info(), msg, f) }
func (z Logger) Warn(msg string, f asidecache.Fields)  { emit(z.L.Warn(), msg, f) }
func (z Logger) Error(msg string, f asidecache.Fields) { emit(z.L.Error(), msg, f) }

func emit(e *zerolog.Event, msg string, f asidecache.Fields) {
	// nil when the level is disabled
	if e == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.Err(err)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

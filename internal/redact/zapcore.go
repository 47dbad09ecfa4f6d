package redact

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapCore struct {
	zapcore.Core
	redactor *Redactor
}

// NewZapCore wraps core so messages and fields are redacted before they reach
// the encoder. Arrays, objects and reflected values are redacted through their
// JSON form.
func NewZapCore(core zapcore.Core, r *Redactor) zapcore.Core {
	return &zapCore{Core: core, redactor: r}
}

func (c *zapCore) With(fields []zapcore.Field) zapcore.Core {
	return &zapCore{Core: c.Core.With(c.fields(fields)), redactor: c.redactor}
}

func (c *zapCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = c.redactor.RedactString(entry.Message)
	return c.Core.Write(entry, c.fields(fields))
}

func (c *zapCore) fields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = c.redactor.RedactString(f.String)
			out[i] = f
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				out[i] = zap.String(f.Key, c.redactor.RedactString(err.Error()))
				continue
			}
			out[i] = f
		case zapcore.ByteStringType:
			if b, ok := f.Interface.([]byte); ok {
				out[i] = zap.ByteString(f.Key, []byte(c.redactor.RedactString(string(b))))
				continue
			}
			out[i] = f
		case zapcore.ReflectType, zapcore.ArrayMarshalerType, zapcore.ObjectMarshalerType:
			out[i] = c.structured(f)
		case zapcore.StringerType:
			if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
				out[i] = zap.String(f.Key, c.redactor.RedactString(s.String()))
				continue
			}
			out[i] = f
		default:
			out[i] = f
		}
	}
	return out
}

func (c *zapCore) structured(f zapcore.Field) zapcore.Field {
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	raw, err := json.Marshal(enc.Fields[f.Key])
	if err != nil {
		return zap.String(f.Key, c.redactor.RedactString(fmt.Sprint(f.Interface)))
	}
	redacted := c.redactor.RedactString(string(raw))
	if redacted == string(raw) {
		return f
	}
	if json.Valid([]byte(redacted)) {
		return zap.Reflect(f.Key, json.RawMessage(redacted))
	}
	return zap.String(f.Key, redacted)
}

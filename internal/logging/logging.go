// Package logging builds the process logger. Every core is wrapped so that
// API keys and bearer tokens never reach a log sink.
package logging

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mailtriage/internal/redact"
)

type Config struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func New(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return NewMaskingCore(c)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// MaskingCore masks credentials in the message and in string-like fields
// before handing entries to the wrapped core.
type MaskingCore struct {
	zapcore.Core
}

func NewMaskingCore(c zapcore.Core) *MaskingCore {
	return &MaskingCore{Core: c}
}

func (m *MaskingCore) With(fields []zapcore.Field) zapcore.Core {
	return &MaskingCore{Core: m.Core.With(maskFields(fields))}
}

func (m *MaskingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if m.Enabled(ent.Level) {
		return ce.AddCore(ent, m)
	}
	return ce
}

func (m *MaskingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = redact.MaskCredentials(ent.Message)
	return m.Core.Write(ent, maskFields(fields))
}

func maskFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = redact.MaskCredentials(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok && err != nil {
				f = zap.String(f.Key, redact.MaskCredentials(err.Error()))
			}
		case zapcore.StringerType:
			if s, ok := f.Interface.(fmt.Stringer); ok && s != nil {
				f = zap.String(f.Key, redact.MaskCredentials(s.String()))
			}
		case zapcore.ByteStringType:
			if b, ok := f.Interface.([]byte); ok {
				f = zap.ByteString(f.Key, []byte(redact.MaskCredentials(string(b))))
			}
		case zapcore.ArrayMarshalerType, zapcore.ObjectMarshalerType,
			zapcore.InlineMarshalerType, zapcore.ReflectType:
			f = maskEncoded(f)
		}
		out[i] = f
	}
	return out
}

// maskEncoded encodes a structured field the way a JSON sink would. When the
// encoding holds a credential the field is replaced by its masked encoding;
// otherwise it is passed through untouched.
func maskEncoded(f zapcore.Field) zapcore.Field {
	enc := zapcore.NewMapObjectEncoder()
	f.AddTo(enc)
	key := f.Key
	var v any = enc.Fields
	if f.Type == zapcore.InlineMarshalerType {
		key = "fields"
	} else {
		v = enc.Fields[f.Key]
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zap.String(key, redact.MaskCredentials(fmt.Sprintf("%+v", f.Interface)))
	}
	if masked := redact.MaskCredentials(string(raw)); masked != string(raw) {
		return zap.String(key, masked)
	}
	return f
}

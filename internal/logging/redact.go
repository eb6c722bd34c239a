package logging

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/hookrelay/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const maxPatternLen = 200

// Secret creates a field that logs only the length of a config.Secret.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// URL logs a destination URL with any userinfo and query string stripped.
// Tenants sometimes embed tokens in webhook URLs.
func URL(key, raw string) zap.Field {
	u, err := url.Parse(raw)
	if err != nil {
		return zap.String(key, "[unparseable]")
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "[REDACTED]"
	}
	u.Fragment = ""
	return zap.String(key, u.String())
}

// RedactingEncoder wraps a zapcore.Encoder to redact sensitive fields.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps an encoder with redaction rules.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{
		Encoder:      base,
		redactFields: fields,
		redactRegex:  patterns,
	}, nil
}

func (e *RedactingEncoder) shouldRedactKey(key string) bool {
	return e.redactFields[strings.ToLower(key)]
}

// AddString redacts sensitive field names and value patterns.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	for _, re := range e.redactRegex {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddBinary(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected redacts the whole value when the key is sensitive.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}

// EncodeEntry redacts the entry's context fields before delegating.
// zapcore's JSON encoder writes per-call fields through its own methods,
// so they are filtered here rather than through the Add* overrides.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if len(e.redactFields) == 0 && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		clean[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, clean)
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.shouldRedactKey(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	if f.Type == zapcore.StringType {
		for _, re := range e.redactRegex {
			if re.MatchString(f.String) {
				return zap.String(f.Key, "[REDACTED:pattern]")
			}
		}
	}
	return f
}

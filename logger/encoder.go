package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// ANSI codes for the console encoder. Warm, muted palette.
const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	colorFg     = "\x1b[38;5;223m" // soft cream
	colorAqua   = "\x1b[38;5;108m" // muted cyan-green, timestamps
	colorOrange = "\x1b[38;5;208m" // component names
	colorYellow = "\x1b[38;5;214m" // warnings
	colorBlue   = "\x1b[38;5;109m" // ids
	colorPurple = "\x1b[38;5;175m" // numbers
	colorRed    = "\x1b[38;5;167m" // errors
	colorRedBg  = "\x1b[48;5;88m"
	colorYelBg  = "\x1b[48;5;58m"
)

// consoleEncoder is a calm, compact console encoder.
// Format: "13:04:35  server  Job completed  J1 412ms"
type consoleEncoder struct {
	zapcore.Encoder // embedded base encoder for field serialization
}

func newConsoleEncoder() *consoleEncoder {
	return &consoleEncoder{
		Encoder: zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
	}
}

func (enc *consoleEncoder) Clone() zapcore.Encoder {
	return &consoleEncoder{Encoder: enc.Encoder.Clone()}
}

func (enc *consoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := buffer.NewPool().Get()

	final.AppendString(colorAqua)
	final.AppendString(ent.Time.Format("15:04:05"))
	final.AppendString(colorReset)

	// Level shown only when it carries signal
	if ent.Level != zapcore.InfoLevel {
		final.AppendString("  ")
		final.AppendString(levelColorString(ent.Level))
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(colorOrange)
		final.AppendString(abbreviateName(ent.LoggerName))
		final.AppendString(colorReset)
	}

	final.AppendString("  ")
	final.AppendString(colorFg)
	final.AppendString(ent.Message)
	final.AppendString(colorReset)

	if len(fields) > 0 {
		if vals := extractFieldValues(fields); vals != "" {
			final.AppendString("  ")
			final.AppendString(vals)
		}
	}

	final.AppendString("\n")
	return final, nil
}

func levelColorString(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return colorPurple + "DEBUG" + colorReset
	case zapcore.WarnLevel:
		return colorBold + colorYelBg + colorYellow + "WARN" + colorReset
	case zapcore.ErrorLevel:
		return colorBold + colorRedBg + colorRed + "ERROR" + colorReset
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return colorBold + colorRedBg + colorRed + level.CapitalString() + colorReset
	default:
		return ""
	}
}

// abbreviateName shortens dotted component names: server.hub -> s.hub
func abbreviateName(name string) string {
	parts := strings.Split(name, ".")
	if len(parts) > 1 && len(parts[0]) > 0 {
		return string(parts[0][0]) + "." + strings.Join(parts[1:], ".")
	}
	return name
}

func fieldValue(field zapcore.Field) string {
	switch field.Type {
	case zapcore.StringType:
		return field.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
		zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return fmt.Sprintf("%d", field.Integer)
	}
	if field.Interface != nil {
		return fmt.Sprintf("%v", field.Interface)
	}
	return ""
}

// extractFieldValues renders a terse value-only view of the fields worth
// seeing on a console: ids in blue, durations in purple, errors in red.
// Everything else stays in the structured JSON sink.
func extractFieldValues(fields []zapcore.Field) string {
	var values []string

	for _, field := range fields {
		switch field.Key {
		case FieldJobID, FieldHandle, FieldUserID, FieldProjectID:
			if val := fieldValue(field); val != "" {
				values = append(values, colorBlue+val+colorReset)
			}
		case FieldQueue, FieldBackend, FieldNetwork:
			if val := fieldValue(field); val != "" {
				values = append(values, colorFg+val+colorReset)
			}
		case FieldDuration:
			if val := fieldValue(field); val != "" {
				values = append(values, colorPurple+val+colorReset+"ms")
			}
		case FieldError:
			if val := fieldValue(field); val != "" {
				values = append(values, colorRed+val+colorReset)
			}
		}
	}

	return strings.Join(values, " ")
}

package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// LogWriter republishes zerolog JSON lines as log events so the control
// surface can show them. Debug and trace lines are not forwarded.
type LogWriter struct {
	pub Publisher
}

func NewLogWriter(pub Publisher) *LogWriter {
	return &LogWriter{pub: pub}
}

type logLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	RunID   string `json:"run_id"`
	Error   string `json:"error"`
}

func (w *LogWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *LogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var line logLine
	if err := json.Unmarshal(p, &line); err != nil {
		return len(p), nil
	}
	if level == zerolog.NoLevel {
		if parsed, err := zerolog.ParseLevel(line.Level); err == nil {
			level = parsed
		}
	}
	if level < zerolog.InfoLevel && level != zerolog.NoLevel {
		return len(p), nil
	}

	msg := line.Message
	if line.Error != "" {
		msg += ": " + line.Error
	}
	w.pub.Emit(Event{
		Type:     TypeLog,
		RunID:    line.RunID,
		Severity: severityOf(level),
		Message:  msg,
	})
	return len(p), nil
}

func severityOf(level zerolog.Level) Severity {
	switch {
	case level == zerolog.NoLevel:
		return SeverityInfo
	case level >= zerolog.ErrorLevel:
		return SeverityError
	case level == zerolog.WarnLevel:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

var _ zerolog.LevelWriter = (*LogWriter)(nil)

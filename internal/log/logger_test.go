package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"0", logrus.TraceLevel},
		{"1", logrus.DebugLevel},
		{"2", logrus.InfoLevel},
		{"3", logrus.InfoLevel},
		{"4", logrus.WarnLevel},
		{" 5 ", logrus.ErrorLevel},
		{"6", logrus.FatalLevel},
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"-1", "7", "verbose", ""} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseLevel(input)
			assert.Error(t, err)
		})
	}
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Init(LoggerConfig{Level: "info"}))

	level, err := SetLevel("4")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, level)
	assert.Equal(t, logrus.WarnLevel, Level())
	assert.False(t, GetLogger().IsInfoEnabled())

	_, err = SetLevel("bogus")
	assert.Error(t, err)
	assert.Equal(t, logrus.WarnLevel, Level())
}

func TestInitWithInvalidLevel(t *testing.T) {
	err := Init(LoggerConfig{Level: "invalid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInitWithMissingFilename(t *testing.T) {
	err := Init(LoggerConfig{Level: "info", File: FileAppenderOpt{Enabled: true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename")
}

func TestInitWithFileAppender(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "capture.log")
	err := Init(LoggerConfig{
		Level: "debug",
		File: FileAppenderOpt{
			Enabled:    true,
			Filename:   logPath,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	})
	require.NoError(t, err)

	GetLogger().WithField("rx", 3).Info("file appender works")
	require.NoError(t, Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file appender works")
	assert.Contains(t, string(data), "|rx=3")
}

func TestFormatter(t *testing.T) {
	f := &formatter{pattern: DefaultPattern, time: "15:04:05"}
	entry := &logrus.Entry{
		Time:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "Bad pk size=59",
		Data: logrus.Fields{
			"RxSize": 75,
			"At":     "x",
			"err":    errors.New("boom"),
		},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Equal(t, "03:04:05 [WARN] Bad pk size=59 |At=x|RxSize=75|err=boom\n", string(out))
}

func TestNewFormatter(t *testing.T) {
	f, err := newFormatter(LoggerConfig{})
	require.NoError(t, err)
	assert.IsType(t, &formatter{}, f)

	f, err = newFormatter(LoggerConfig{Format: FormatPrefixed, Time: "15:04:05"})
	require.NoError(t, err)
	entry := logrus.NewEntry(logrus.New()).WithFields(logrus.Fields{"prefix": "session", "Queuing": 2})
	entry.Time = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	entry.Level = logrus.InfoLevel
	entry.Message = "session anchored at first frame"
	out, err := f.Format(entry)
	require.NoError(t, err)
	assert.Contains(t, string(out), "03:04:05")
	assert.Contains(t, string(out), "session:")
	assert.Contains(t, string(out), "session anchored at first frame")
	assert.Contains(t, string(out), "Queuing=2")

	_, err = newFormatter(LoggerConfig{Format: "json"})
	assert.ErrorContains(t, err, "unknown log format")
}

func TestFromLogrusWithHook(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	FromLogrus(l).WithFields(Fields{"Expected": 5, "Curr": 3}).Debug("Pk out of order")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
	assert.Equal(t, 3, hook.LastEntry().Data["Curr"])
}

func TestMultiWriterKeepsWritingAfterError(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMultiWriter().Add(&a).Add(failingWriter{}).Add(&b)

	n, err := m.Write([]byte("line\n"))
	assert.Equal(t, 5, n)
	assert.Error(t, err)
	assert.Equal(t, "line\n", a.String())
	assert.Equal(t, "line\n", b.String())
	assert.NoError(t, m.Close())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("appender broken")
}

package log

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

// Fields is a shorthand for structured log fields.
type Fields map[string]interface{}

var (
	mu     sync.RWMutex
	root   = newRoot()
	logger Logger = &logrusAdapter{entry: logrus.NewEntry(root)}
)

const (
	DefaultPattern = "%time [%level] %msg %field\n"
	DefaultTime    = "2006-01-02 15:04:05.000000"
)

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: DefaultPattern, time: DefaultTime})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init reconfigures the process logger. It may be called again to apply a
// new configuration.
func Init(cfg LoggerConfig) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	root = l
	logger = &logrusAdapter{entry: logrus.NewEntry(l)}
	mu.Unlock()
	return nil
}

// SetLevel changes the verbosity of the process logger at runtime.
func SetLevel(s string) (logrus.Level, error) {
	level, err := ParseLevel(s)
	if err != nil {
		return 0, err
	}
	mu.RLock()
	root.SetLevel(level)
	mu.RUnlock()
	return level, nil
}

// Level returns the current verbosity of the process logger.
func Level() logrus.Level {
	mu.RLock()
	defer mu.RUnlock()
	return root.GetLevel()
}

// numericLevels follows the operator console numbering:
// 0=trace 1=debug 2=info 3=info(important) 4=warn 5=error 6=fatal.
var numericLevels = []logrus.Level{
	logrus.TraceLevel,
	logrus.DebugLevel,
	logrus.InfoLevel,
	logrus.InfoLevel,
	logrus.WarnLevel,
	logrus.ErrorLevel,
	logrus.FatalLevel,
}

// ParseLevel accepts either a level name or its console number.
func ParseLevel(s string) (logrus.Level, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(numericLevels) {
			return 0, fmt.Errorf("log level %d out of range 0..%d", n, len(numericLevels)-1)
		}
		return numericLevels[n], nil
	}
	return logrus.ParseLevel(strings.ToLower(s))
}

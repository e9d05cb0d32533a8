package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// Configure sets the global log level and output format.
// Level is one of trace, debug, info, warn, error; format is
// "console" or "json".
func Configure(level, format string) {
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// fields converts alternating key/value arguments into structured fields.
// A trailing key without a value is kept with a nil value rather than dropped.
func fields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 < len(kv) {
			f[key] = kv[i+1]
		} else {
			f[key] = nil
		}
	}
	return f
}

func Trace(msg string, kv ...any) { logger.WithFields(fields(kv)).Trace(msg) }
func Debug(msg string, kv ...any) { logger.WithFields(fields(kv)).Debug(msg) }
func Info(msg string, kv ...any)  { logger.WithFields(fields(kv)).Info(msg) }
func Warn(msg string, kv ...any)  { logger.WithFields(fields(kv)).Warn(msg) }
func Error(msg string, kv ...any) { logger.WithFields(fields(kv)).Error(msg) }

package replica

import (
	"fmt"
	"log"
	"os"
)

// Logging convention in the `replica` package:
// Urgent:
//     essential events for abnormal behavior. This level should be silent on
//     normal operation:
//     - provider connection failures and retry exhaustion
//     - protocol errors and dropped updates
// Info:
//     one time (infrequent) lifecycle data useful for monitoring:
//     - source start/stop, refresh begin/end, fallback transitions
// Debug:
//     key events for trace debugging:
//     - per-message apply decisions, cookie commits, present set statistics
//       summarized rather than logged per entry

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

var GlobalLogLevel = LogLevelUrgent

var logger = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

func Logger() *log.Logger {
	return logger
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			Logger().Printf("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if level <= GlobalLogLevel {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}

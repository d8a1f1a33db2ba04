package collection

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `collection` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - diagnostics (unknown correlation tokens, duplicate identities, undecodable bodies)
//     - transport errors and push feed reconnects
// Error:
//     fatal diagnostics, e.g. an entity type that failed to construct
// V(1):
//     key lifecycle events with ids that can be used to filter
//     (seed, add, confirm, request emitted)
// V(2):
//     per request and per edit trace

const LogLevelInfo = glog.Level(0)
const LogLevelDebug = glog.Level(1)
const LogLevelTrace = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

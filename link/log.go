package link

import (
	"github.com/golang/glog"
)

// Logging convention in the `link` package:
// Info:
//     events for abnormal behavior that the link recovers from. This level should be silent
//     on normal operation, with the exception of connection lifecycle lines.
//     this includes:
//     - dropped bridge events (backpressure) and send timeouts
//     - decode failures and skipped messages
//     - failed host scene operations, e.g. a polygon merge
// Warning:
//     recovered panics in event callbacks, with the stack
// LogLevelEvents:
//     one line per dispatched event, sent request, and synchronized object
// LogLevelTrace:
//     timing for full refresh, incremental apply and refacet

const LogLevelEvents glog.Level = 1
const LogLevelTrace glog.Level = 2

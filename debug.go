package coap

import (
	"fmt"

	"github.com/astaxie/beego/logs"
)

var debugEnable bool

// GLog debug log
var GLog *logs.BeeLogger

func init() {
	debugEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug Enable debug
func Debug(enable bool) {
	debugEnable = enable
}

// SetLogger Set new logger
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}

// TraceDebug logs a formatted message at debug level when Debug(true) has
// been set. Used by the client for sent messages, late observes and
// unsolicited requests (duplicates and invalid blocks are not logged), and
// by package transport for its read-loop trace.
func TraceDebug(format string, args ...interface{}) {
	if !debugEnable {
		return
	}
	GLog.Debug(fmt.Sprintf(format, args...))
}

// TraceWarn logs a formatted message at warn level unconditionally, for
// the user-surfaced error conditions of section 7 (MalformedMessage,
// TransactionTimeout, ExchangeTimeout, SendFailure).
func TraceWarn(format string, args ...interface{}) {
	GLog.Warn(fmt.Sprintf(format, args...))
}

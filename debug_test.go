package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDebugTogglesEnableFlag(t *testing.T) {
	orig := debugEnable
	defer func() { debugEnable = orig }()

	Debug(true)
	require.True(t, debugEnable)
	Debug(false)
	require.False(t, debugEnable)
}

func TestTraceDebugNoopWhenDisabled(t *testing.T) {
	orig := debugEnable
	defer func() { debugEnable = orig }()

	debugEnable = false
	require.NotPanics(t, func() { TraceDebug("unused %d", 1) })
}

func TestTraceWarnAlwaysLogs(t *testing.T) {
	require.NotPanics(t, func() { TraceWarn("warn %s", "x") })
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	orig := GLog
	defer func() { GLog = orig }()

	SetLogger(nil)
	require.Equal(t, orig, GLog)
}

package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatusLineFinal(t *testing.T) {
	line := ParseStatusLine("200 synced 12 records")
	require.Equal(t, ResultCode(200), line.Code)
	require.Equal(t, "synced 12 records", line.Text)
	require.Equal(t, ClassSuccess, ClassOf(line.Code))
}

func TestParseStatusLineContinuation(t *testing.T) {
	line := ParseStatusLine("401-cannot connect, retrying")
	require.Equal(t, ResultCode(401), line.Code)
	require.Equal(t, ClassHostError, ClassOf(line.Code))
}

func TestParseStatusLineMalformedIsImplicit501(t *testing.T) {
	line := ParseStatusLine("a stray debug print from a buggy conduit")
	require.Equal(t, CodeImplicitConduitError, line.Code)
	require.Equal(t, ClassConduitError, ClassOf(line.Code))
}

func TestParseStatusLineDebugAndWarningClasses(t *testing.T) {
	require.Equal(t, ClassDebug, ClassOf(ParseStatusLine("012 trace").Code))
	require.Equal(t, ClassWarning, ClassOf(ParseStatusLine("305 partial").Code))
}

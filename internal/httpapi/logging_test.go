package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelOff, parseLevel(""))
	require.Equal(t, LevelOff, parseLevel("off"))
	require.Equal(t, LevelError, parseLevel("error"))
	require.Equal(t, LevelInfo, parseLevel("info"))
	require.Equal(t, LevelDebug, parseLevel("debug"))
	require.Equal(t, LevelInfo, parseLevel("bogus"))
}

func TestRequestLogLevelOverrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/infer?log=1", nil)
	require.Equal(t, LevelDebug, requestLogLevel(r))

	r = httptest.NewRequest("GET", "/infer?log=error", nil)
	require.Equal(t, LevelError, requestLogLevel(r))

	r = httptest.NewRequest("GET", "/infer", nil)
	r.Header.Set("X-Log-Level", "debug")
	require.Equal(t, LevelDebug, requestLogLevel(r))
}

func TestLoggingLineWriterSplitsLines(t *testing.T) {
	lw := &loggingLineWriter{}
	n, err := lw.Write([]byte("partial"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, []byte("partial"), lw.buf)

	_, err = lw.Write([]byte(" line\nnext"))
	require.NoError(t, err)
	require.Equal(t, []byte("next"), lw.buf)
}

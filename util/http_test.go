package util

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeveledSlog(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	l := LeveledSlog{slog.New(slog.NewJSONHandler(&buf, nil))}

	l.Error("request failed")
	assert.Contains(buf.String(), `"level":"WARN"`)
	buf.Reset()
	l.Debug("retrying")
	assert.Contains(buf.String(), `"level":"INFO"`)
}

func TestRobustHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := RobustHTTPClient(nil).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

package logonly

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/prismai/automod/automod/audit"
	"github.com/prismai/automod/automod/dispatch"
	"github.com/prismai/automod/automod/rules"

	"github.com/stretchr/testify/assert"
)

func TestDryRunDispatch(t *testing.T) {
	assert := assert.New(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := audit.NewMemSink()
	d := dispatch.NewDispatcher(NewConnector(logger), sink, dispatch.DispatcherConfig{Logger: logger})

	out := d.Apply(context.Background(), rules.ActionBan, "user1", "guild1", "raid")
	assert.True(out.Success)
	assert.Equal(1, out.Attempts)
	assert.Contains(buf.String(), `"msg":"dry-run enforcement"`)
	assert.Contains(buf.String(), `"action":"ban"`)
	assert.Equal(1, len(sink.Outcomes()))
}

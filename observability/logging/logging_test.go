package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerRenamesBuiltinKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelDebug))
	logger.Debug("peer connected", slog.String("peer_id", "alice"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "peer connected", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Contains(t, line, "timestamp")
	require.Equal(t, "alice", line["peer_id"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMaskField(t *testing.T) {
	t.Cleanup(func() { SetMasking(false) })

	require.Equal(t, "10.0.0.1:4000", MaskField("peer_address", "10.0.0.1:4000").Value.String())

	SetMasking(true)
	require.Equal(t, RedactedValue, MaskField("peer_address", "10.0.0.1:4000").Value.String())
	require.Equal(t, "alice", MaskField("peer_id", "alice").Value.String())
	require.Equal(t, "", MaskField("peer_address", "").Value.String())
}

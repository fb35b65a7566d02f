package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "node.log")
	logger := SetupWithOptions("vertod", "test", Options{Level: "debug", Output: &buf, File: file})
	logger.Debug("block committed", slog.Uint64("height", 3))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "block committed", line["message"])
	require.Equal(t, "vertod", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")
	require.FileExists(t, file)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("rpcToken", "secret").Value.String())
	require.Equal(t, "12", MaskField("height", "12").Value.String())
	require.Equal(t, "", MaskField("rpcToken", "").Value.String())
	require.Equal(t, "verto1qq…abcdef", ShortenAddress("verto1qqxxxxxxxxxxxxxxabcdef"))
}

package diagnostics

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/photon"
)

var _ photon.UnknownSink = (*Dump)(nil)

type line struct {
	Reason    string `json:"reason"`
	Len       int    `json:"len"`
	Truncated bool   `json:"truncated"`
	Hex       string `json:"hex"`
}

func decodeLines(t *testing.T, data []byte) []line {
	t.Helper()
	var out []line
	for _, raw := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		var l line
		require.NoError(t, json.Unmarshal(raw, &l))
		out = append(out, l)
	}
	return out
}

func TestUnknownTruncates(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf, 2)
	d.Unknown("event 99", []byte{0xde, 0xad, 0xbe, 0xef})
	d.Unknown("short", []byte{0x01})

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, line{Reason: "event 99", Len: 4, Truncated: true, Hex: "dead"}, lines[0])
	assert.Equal(t, line{Reason: "short", Len: 1, Hex: "01"}, lines[1])
	assert.Equal(t, uint64(2), d.Count())
	assert.NoError(t, d.Close())
}

func TestOpenWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "unknown.log")
	d, err := Open(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	d.Unknown("frame", []byte{0xff})
	require.NoError(t, d.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, data)
	require.Len(t, lines, 1)
	assert.Equal(t, "ff", lines[0].Hex)
}

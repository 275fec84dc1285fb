package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/db"
	"github.com/energizer-project/photonmeter/internal/photon"
)

const hitPayload = "010009006b58170169002000310266c329000003664495c000046201056202066b5809076b0d34fc6b0006"

func udpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IP{5, 45, 187, 10},
		DstIP:    net.IP{192, 168, 1, 10},
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{SrcPort: 5056, DstPort: 51000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

// writeTrace writes two hits far enough apart for the idle timeout to
// split them into separate encounters.
func writeTrace(t *testing.T) string {
	t.Helper()
	msg, err := hex.DecodeString(hitPayload)
	require.NoError(t, err)
	payload := photon.NewPacketBuilder().Reliable(photon.MessageEvent, msg).Build()

	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, ts := range []time.Time{start, start.Add(time.Minute)} {
		data := udpFrame(t, payload)
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Storage.Path = filepath.Join(dir, "history.db")
	cfg.Logging.Directory = filepath.Join(dir, "logs")
	cfg.Diagnostics.Enabled = false
	return cfg
}

func TestReplayPrintsEncounters(t *testing.T) {
	cfg := testConfig(t)
	out := &bytes.Buffer{}

	err := runReplay(context.Background(), cfg, writeTrace(t), config.DefaultGamePort, false, out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "idle_timeout")
	assert.Contains(t, text, "169")
	assert.Contains(t, text, "combat events")
	assert.NoFileExists(t, cfg.Storage.Path)
}

func TestReplaySavesHistory(t *testing.T) {
	cfg := testConfig(t)

	err := runReplay(context.Background(), cfg, writeTrace(t), config.DefaultGamePort, true, &bytes.Buffer{})
	require.NoError(t, err)

	store, err := db.NewHistoryStore(cfg.Storage.Path)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := store.Recent(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, uint64(169), recent[0].TotalDamage)
}

func TestReplayMissingFile(t *testing.T) {
	cfg := testConfig(t)
	err := runReplay(context.Background(), cfg, filepath.Join(t.TempDir(), "missing.pcap"), 0, false, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestStartWithRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := startWithRetry(ctx, "test", func(context.Context) error {
		calls++
		cancel()
		return assert.AnError
	}, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

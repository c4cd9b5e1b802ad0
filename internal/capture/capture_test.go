// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/queueing"
)

func synTCPPacket(t *testing.T, src, dst string, srcPort, dstPort uint16) gopacket.Packet {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
		Seq:     1,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload("x")))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
}

func TestSimAdapterInjectDecodesSYN(t *testing.T) {
	q := queueing.New(8, nil)
	a := NewSimAdapter(q, nil)
	require.NoError(t, a.Start("eth-sim", 0))

	accepted := a.Inject(synTCPPacket(t, "10.0.0.1", "10.0.0.2", 51000, 22))
	assert.True(t, accepted)

	rec, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", rec.Source.Addr)
	assert.Equal(t, uint16(51000), rec.Source.Port)
	assert.Equal(t, "10.0.0.2", rec.Dest.Addr)
	assert.Equal(t, uint16(22), rec.Dest.Port)
	assert.Equal(t, uint16(1), rec.Flags&1, "SYN bit must be set")
}

func TestSimAdapterRespectsMaxPackets(t *testing.T) {
	q := queueing.New(8, nil)
	a := NewSimAdapter(q, nil)
	require.NoError(t, a.Start("eth-sim", 1))

	assert.True(t, a.Inject(synTCPPacket(t, "10.0.0.1", "10.0.0.2", 1, 2)))
	assert.False(t, a.Running(), "adapter must stop itself once its packet budget is exhausted")

	assert.Equal(t, 1, q.Len())
}

func TestSimAdapterStopIsIdempotent(t *testing.T) {
	q := queueing.New(4, nil)
	a := NewSimAdapter(q, nil)
	require.NoError(t, a.Start("eth-sim", 0))
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.False(t, a.Running())
}

func TestSimAdapterDoubleStartFails(t *testing.T) {
	q := queueing.New(4, nil)
	a := NewSimAdapter(q, nil)
	require.NoError(t, a.Start("eth-sim", 0))
	assert.Error(t, a.Start("eth-sim", 0))
}

func TestPacketLoggerWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	pl, err := NewPacketLogger(dir, now, nil)
	require.NoError(t, err)

	rec := &model.PacketRecord{
		Source:   model.Endpoint{Addr: "203.0.113.5"},
		Dest:     model.Endpoint{Addr: "10.0.0.1"},
		Protocol: model.ProtoTCP,
		Length:   512,
		TTL:      64,
		Flags:    2,
	}
	pl.Log(rec, now)
	require.NoError(t, pl.Close())

	path := filepath.Join(dir, "captured_packets_20260730_120000.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "source,destination,protocol,length,ttl,flags", lines[0])
	assert.Equal(t, "203.0.113.5,10.0.0.1,tcp,512,64,2", lines[1])
}

func TestPacketLoggerFlushesAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	pl, err := NewPacketLogger(dir, now, nil)
	require.NoError(t, err)
	defer pl.Close()

	rec := &model.PacketRecord{Source: model.Endpoint{Addr: "203.0.113.6"}, Dest: model.Endpoint{Addr: "10.0.0.2"}}
	for i := 0; i < flushEveryRecords; i++ {
		pl.Log(rec, now)
	}

	assert.Equal(t, 0, pl.count, "count resets to 0 once the flush threshold is reached")
}

func TestSimAdapterDoneClosesWhenBudgetExhausted(t *testing.T) {
	q := queueing.New(4, nil)
	a := NewSimAdapter(q, nil)
	require.NoError(t, a.Start("eth-sim", 1))

	select {
	case <-a.Done():
		t.Fatal("Done must not close before the budget is exhausted")
	default:
	}

	a.Inject(synTCPPacket(t, "10.0.0.1", "10.0.0.2", 1, 2))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done must close once the packet budget is exhausted")
	}
}

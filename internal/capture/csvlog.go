// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/model"
	"grimm.is/warden/internal/queueing"
)

// csvRowBufSize bounds the row buffer queueing.BytePool recycles: the widest
// column is an IPv6 address (up to 45 bytes), so six columns plus
// separators comfortably fits in 128 bytes without ever growing past it.
const csvRowBufSize = 128

// flushEveryRecords and flushInterval implement spec.md §5's persistence
// thread cadence: "batched CSV append every <= 2 min or every 50 records."
const (
	flushEveryRecords = 50
	flushInterval     = 2 * time.Minute
)

// PacketLogger appends every captured PacketRecord to a timestamped CSV file
// (spec.md §6: "Captured-packet CSV"), batching writes through a
// bufio.Writer and recycling row-formatting buffers through a
// queueing.BytePool to keep the hot capture path allocation-light.
type PacketLogger struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	pool       *queueing.BytePool
	log        *logging.Logger
	count      int
	lastFlush  time.Time
}

// NewPacketLogger creates captured_packets_YYYYMMDD_HHMMSS.csv under dir,
// named from now, and writes its header row.
func NewPacketLogger(dir string, now time.Time, log *logging.Logger) (*PacketLogger, error) {
	if log == nil {
		log = logging.WithComponent("capture")
	}
	name := fmt.Sprintf("captured_packets_%s.csv", now.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture csv %q: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString("source,destination,protocol,length,ttl,flags\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write capture csv header %q: %w", path, err)
	}

	return &PacketLogger{
		f:         f,
		w:         w,
		pool:      queueing.NewBytePool(csvRowBufSize),
		log:       log,
		lastFlush: now,
	}, nil
}

// Log appends one row for rec, flushing once flushEveryRecords rows have
// accumulated or flushInterval has elapsed since the last flush.
func (p *PacketLogger) Log(rec *model.PacketRecord, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw := p.pool.Get()
	buf := appendRow(raw[:0], rec)
	if _, err := p.w.Write(buf); err != nil {
		p.log.Warn("failed to append captured-packet csv row", "error", err)
	}
	// Only return the pool's own backing array, never one appendRow had to
	// grow past csvRowBufSize and reallocate.
	if cap(buf) == cap(raw) {
		p.pool.Put(raw[:csvRowBufSize])
	}

	p.count++
	if p.count >= flushEveryRecords || now.Sub(p.lastFlush) >= flushInterval {
		p.flushLocked(now)
	}
}

func (p *PacketLogger) flushLocked(now time.Time) {
	if err := p.w.Flush(); err != nil {
		p.log.Warn("failed to flush captured-packet csv", "error", err)
	}
	p.count = 0
	p.lastFlush = now
}

// Close flushes any buffered rows and closes the underlying file.
func (p *PacketLogger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked(time.Now())
	return p.f.Close()
}

func appendRow(buf []byte, rec *model.PacketRecord) []byte {
	buf = append(buf, rec.Source.Addr...)
	buf = append(buf, ',')
	buf = append(buf, rec.Dest.Addr...)
	buf = append(buf, ',')
	buf = append(buf, rec.Protocol.String()...)
	buf = append(buf, ',')
	buf = strconv.AppendInt(buf, int64(rec.Length), 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(rec.TTL), 10)
	buf = append(buf, ',')
	buf = strconv.AppendUint(buf, uint64(rec.Flags), 10)
	buf = append(buf, '\n')
	return buf
}

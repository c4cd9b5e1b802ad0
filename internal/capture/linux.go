// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package capture

import (
	"errors"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/packet"

	werrors "grimm.is/warden/internal/errors"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/queueing"
)

// etherTypeAll asks AF_PACKET for every ethertype, mirroring tcpdump's
// default promiscuous capture.
const etherTypeAll = 0x0003

// LinuxAdapter captures frames from a raw AF_PACKET socket via
// github.com/mdlayher/packet and decodes them with gopacket (spec.md §4.1).
type LinuxAdapter struct {
	base
	conn *packet.Conn
}

// NewLinuxAdapter builds an Adapter that writes decoded records into q.
func NewLinuxAdapter(q *queueing.Queue, log *logging.Logger) *LinuxAdapter {
	return &LinuxAdapter{base: newBase(q, nil, log)}
}

// Start opens a raw socket on iface (selected via SelectInterface if empty)
// and begins a read loop on its own goroutine.
func (a *LinuxAdapter) Start(iface string, maxPackets int) error {
	if iface == "" {
		selected, err := SelectInterface()
		if err != nil {
			return err
		}
		iface = selected
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return werrors.Wrapf(err, werrors.KindRecoverable, "resolve capture interface %q", iface)
	}

	conn, err := packet.Listen(ifi, packet.Raw, etherTypeAll, nil)
	if err != nil {
		return werrors.Wrapf(err, werrors.KindProtected, "open raw socket on %q (requires CAP_NET_RAW)", iface)
	}

	if !a.markStarted(maxPackets) {
		conn.Close()
		return werrors.New(werrors.KindRecoverable, "capture adapter already running")
	}
	a.conn = conn

	go a.readLoop()
	return nil
}

func (a *LinuxAdapter) readLoop() {
	buf := make([]byte, 65536)
	getter := &poolGetter{get: a.pool.Get}

	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		n, _, err := a.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("capture read error", "error", err.Error())
			continue
		}

		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
		rec := decode(pkt, getter)
		if rec == nil {
			continue
		}
		if !a.emit(rec) {
			a.Stop()
			return
		}
	}
}

// Stop closes the raw socket, unblocking the read loop.
func (a *LinuxAdapter) Stop() error {
	already, stopCh := a.markStopped()
	if already {
		return nil
	}
	close(stopCh)
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

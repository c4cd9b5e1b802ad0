// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/warden/internal/model"
)

// decode turns a gopacket.Packet into a PacketRecord obtained from pool,
// or nil if the packet is neither IPv4, IPv6 nor ARP: such frames are not
// fed to the pipeline.
func decode(pkt gopacket.Packet, pool *poolGetter) *model.PacketRecord {
	var srcAddr, dstAddr string
	var ttl uint8
	var proto model.Protocol

	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		srcAddr, dstAddr = ip.SrcIP.String(), ip.DstIP.String()
		ttl = ip.TTL
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		srcAddr, dstAddr = ip.SrcIP.String(), ip.DstIP.String()
		ttl = ip.HopLimit
	case pkt.Layer(layers.LayerTypeARP) != nil:
		arp := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		rec := pool.Get()
		rec.Protocol = model.ProtoARP
		rec.Source.Addr = net4(arp.SourceProtAddress)
		rec.Dest.Addr = net4(arp.DstProtAddress)
		rec.Length = uint32(len(pkt.Data()))
		return rec
	default:
		return nil // non-IP, non-ARP: not fed to the pipeline
	}

	var srcPort, dstPort uint16
	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		proto = model.ProtoTCP
		rec := pool.Get()
		rec.Source = model.Endpoint{Addr: srcAddr, Port: srcPort}
		rec.Dest = model.Endpoint{Addr: dstAddr, Port: dstPort}
		rec.Protocol = proto
		rec.TTL = ttl
		rec.Flags = tcpFlags(tcp)
		rec.Length = uint32(len(pkt.Data()))
		return rec
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		proto = model.ProtoUDP
	case pkt.Layer(layers.LayerTypeICMPv4) != nil, pkt.Layer(layers.LayerTypeICMPv6) != nil:
		proto = model.ProtoICMP
	default:
		proto = model.ProtoOther
	}

	rec := pool.Get()
	rec.Source = model.Endpoint{Addr: srcAddr, Port: srcPort}
	rec.Dest = model.Endpoint{Addr: dstAddr, Port: dstPort}
	rec.Protocol = proto
	rec.TTL = ttl
	rec.Length = uint32(len(pkt.Data()))
	return rec
}

// tcpFlags packs the flags spec.md §4.3 reads for feature extraction (SYN,
// ACK, FIN, RST, PSH, URG) into a single bitfield.
func tcpFlags(tcp *layers.TCP) uint16 {
	var f uint16
	if tcp.SYN {
		f |= 1 << 0
	}
	if tcp.ACK {
		f |= 1 << 1
	}
	if tcp.FIN {
		f |= 1 << 2
	}
	if tcp.RST {
		f |= 1 << 3
	}
	if tcp.PSH {
		f |= 1 << 4
	}
	if tcp.URG {
		f |= 1 << 5
	}
	return f
}

func net4(b []byte) string {
	if len(b) != 4 {
		return ""
	}
	return net.IP(b).String()
}

// poolGetter is the minimal pool surface decode needs, satisfied by
// *queueing.PacketPool.
type poolGetter struct {
	get func() *model.PacketRecord
}

func (p *poolGetter) Get() *model.PacketRecord { return p.get() }

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features implements the feature extractor (spec.md §4.3, C3): a
// pure, deterministic, allocation-free PacketRecord -> FeatureVector mapping.
// Bucketization constants here are part of the model artifact contract in
// internal/classifier and must not change without a model version bump.
package features

import (
	"hash/fnv"
	"net"
	"strings"

	"grimm.is/warden/internal/model"
)

// LightweightWidth and PerformanceWidth are the two fixed output widths
// named in spec.md §3 (F=7 / F=12).
const (
	LightweightWidth = 7
	PerformanceWidth = 12
)

// addressBuckets is the number of hash buckets addresses fold into; stable
// across restarts because the hash (FNV-1a) and bucket count never change
// without a model version bump (spec.md §4.3).
const addressBuckets = 256

var suspiciousPorts = map[uint16]bool{
	4444:  true,
	31337: true,
	1337:  true,
	6667:  true,
	6666:  true,
}

// Extract computes the feature vector for rec into out, reusing out's
// backing array when it already has the right width (spec.md §4.3:
// "allocation-free after first call"). mode selects the width: "performance"
// yields PerformanceWidth lanes, anything else yields LightweightWidth.
func Extract(rec *model.PacketRecord, mode string, out *model.FeatureVector) {
	width := LightweightWidth
	if mode == "performance" {
		width = PerformanceWidth
	}
	if cap(out.Lanes) < width {
		out.Lanes = make([]float32, width)
	}
	out.Lanes = out.Lanes[:width]

	lengthNorm := clamp01(float64(rec.Length) / 65535.0)
	ttlNorm := clamp01(float64(rec.TTL) / 255.0)
	protoCode := float64(rec.Protocol) / 4.0
	srcBucket := addressBucket(rec.Source.Addr)
	dstBucket := addressBucket(rec.Dest.Addr)
	suspicious := 0.0
	if suspiciousPorts[rec.Source.Port] || suspiciousPorts[rec.Dest.Port] {
		suspicious = 1.0
	}
	private := 0.0
	if isPrivate(rec.Source.Addr) {
		private = 1.0
	}

	out.Lanes[0] = float32(lengthNorm)
	out.Lanes[1] = float32(ttlNorm)
	out.Lanes[2] = float32(protoCode)
	out.Lanes[3] = float32(srcBucket)
	out.Lanes[4] = float32(dstBucket)
	out.Lanes[5] = float32(suspicious)
	out.Lanes[6] = float32(private)

	if width == LightweightWidth {
		return
	}

	flagsNorm := float64(rec.Flags) / 63.0 // 6 flag bits
	portNorm := func(p uint16) float64 { return float64(p) / 65535.0 }
	infoScore := infoStringScore(rec.Info)

	out.Lanes[7] = float32(flagsNorm)
	out.Lanes[8] = float32(portNorm(rec.Source.Port))
	out.Lanes[9] = float32(portNorm(rec.Dest.Port))
	out.Lanes[10] = float32(infoScore)
	out.Lanes[11] = float32(addressEntropy(rec.Source.Addr))
}

func addressBucket(addr string) float64 {
	if addr == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return float64(h.Sum32()%addressBuckets) / float64(addressBuckets-1)
}

// addressEntropy is a cheap per-octet variance proxy used only in
// performance mode; it is not Shannon entropy, just another deterministic
// signal derived from the address bytes.
func addressEntropy(addr string) float64 {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0.5
	}
	var sum, sumSq float64
	for _, b := range v4 {
		sum += float64(b)
		sumSq += float64(b) * float64(b)
	}
	mean := sum / 4
	variance := sumSq/4 - mean*mean
	return clamp01(variance / (255.0 * 255.0))
}

// infoStringScore is the backup-heuristic substring signal written to lane
// 10, which the classifier's Heuristic reads (spec.md §4.5): presence of common
// attack tokens nudges the feature toward 1.
func infoStringScore(info string) float64 {
	if info == "" {
		return 0
	}
	lower := strings.ToLower(info)
	for _, token := range []string{"union select", "' or ", "<script", "../../", "cmd.exe", "/bin/sh"} {
		if strings.Contains(lower, token) {
			return 1.0
		}
	}
	return 0
}

func isPrivate(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16"} {
		_, block, _ := net.ParseCIDR(cidr)
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package recursion bounds server-to-server call chains and in-process
// loops.
//
// The hop guard trusts the forwarded hop-count and chain-start headers
// with no signature or verification: it bounds amplification between
// cooperating internal hops, not adversarial clients forging headers,
// and is not a security boundary.
package recursion

import (
	"net/http"
	"strconv"
	"time"
)

// Forwarded metadata headers.
const (
	HeaderHopCount  = "X-Internal-Hop-Count"
	HeaderStartTime = "X-Recursion-Start-Time"
)

// HopResult is the outcome of a hop-guard check. On allow, Forward
// holds the metadata to attach to any onward internal call.
type HopResult struct {
	Allowed bool
	Reason  string
	Depth   int   // depth observed on the inbound request
	StartMs int64 // chain origin time (epoch ms), invariant across hops
	Forward ForwardMeta
}

// ForwardMeta is the hop metadata for downstream calls: depth+1 and
// the unchanged chain start.
type ForwardMeta struct {
	Depth   int
	StartMs int64
}

// Apply sets the forwarded headers on an outbound request.
func (m ForwardMeta) Apply(h http.Header) {
	h.Set(HeaderHopCount, strconv.Itoa(m.Depth))
	h.Set(HeaderStartTime, strconv.FormatInt(m.StartMs, 10))
}

// HopGuard bounds forwarded call-chain depth and elapsed time.
type HopGuard struct {
	MaxDepth  int
	TimeoutMs int64
}

func NewHopGuard(maxDepth int, timeoutMs int64) *HopGuard {
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	return &HopGuard{MaxDepth: maxDepth, TimeoutMs: timeoutMs}
}

// FromRequest parses the forwarded metadata. An untagged request is
// treated as chain origin: depth 0, start = now.
func (g *HopGuard) FromRequest(r *http.Request, now time.Time) (depth int, startMs int64) {
	startMs = now.UnixMilli()
	if v := r.Header.Get(HeaderHopCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			depth = n
		}
	}
	if v := r.Header.Get(HeaderStartTime); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			startMs = ms
		}
	}
	return depth, startMs
}

// Check decides whether a request at the given depth may proceed.
func (g *HopGuard) Check(depth int, startMs int64, now time.Time) HopResult {
	res := HopResult{Depth: depth, StartMs: startMs}

	if depth >= g.MaxDepth {
		res.Reason = "max_depth_exceeded"
		return res
	}
	if elapsed := now.UnixMilli() - startMs; elapsed > g.TimeoutMs {
		res.Reason = "chain_timeout"
		return res
	}

	res.Allowed = true
	res.Reason = "allowed"
	res.Forward = ForwardMeta{Depth: depth + 1, StartMs: startMs}
	return res
}

// CheckRequest combines FromRequest and Check.
func (g *HopGuard) CheckRequest(r *http.Request, now time.Time) HopResult {
	depth, startMs := g.FromRequest(r, now)
	return g.Check(depth, startMs, now)
}

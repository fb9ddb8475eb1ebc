package testutil

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Payload returns a deterministic UTF-8 text of exactly n bytes, tagged with seed
func Payload(seed string, n int) string {
	var b strings.Builder
	b.Grow(n + 16)
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%s-%d|", seed, i)
	}
	return b.String()[:n]
}

// Sequence returns n messages "prefix-0" .. "prefix-(n-1)"
func Sequence(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

// FreePort returns a TCP port on 127.0.0.1 that was free a moment ago
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

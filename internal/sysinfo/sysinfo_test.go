package sysinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVmRSS(t *testing.T) {
	status := "Name:\tmcp\nVmPeak:\t  20000 kB\nVmRSS:\t   10240 kB\nThreads:\t8\n"

	rss, ok := parseVmRSS([]byte(status))
	require.True(t, ok)
	assert.Equal(t, uint64(10240*1024), rss)
}

func TestParseVmRSSMissing(t *testing.T) {
	_, ok := parseVmRSS([]byte("Name:\tmcp\nThreads:\t8\n"))
	assert.False(t, ok)

	_, ok = parseVmRSS([]byte("VmRSS:\tlots kB\n"))
	assert.False(t, ok)
}

func TestMemoryString(t *testing.T) {
	s := MemoryString()
	assert.True(t, strings.HasSuffix(s, "KB"), s)
	assert.NotEqual(t, "0KB", s)
}

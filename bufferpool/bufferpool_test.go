package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReturnsRequestedLength(t *testing.T) {
	p := NewBufferPool()
	for _, size := range []int{0, 1, 100, blockClass, blockClass + 1, logClass, logClass + 1, 1 << 20} {
		buf := p.Get(size)
		require.Len(t, buf, size)
	}
}

func TestPooledBuffersAreReusable(t *testing.T) {
	p := NewBufferPool()
	buf := p.Get(1000)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	// Pool contents are undefined bytes; the contract is only that a
	// fresh Get has the right length and full capacity.
	again := p.Get(2000)
	require.Len(t, again, 2000)
	require.GreaterOrEqual(t, cap(again), 2000)
}

func TestOversizedBuffersBypassPool(t *testing.T) {
	p := NewBufferPool()
	huge := p.Get(logClass * 4)
	require.Len(t, huge, logClass*4)
	p.Put(huge) // no class matches; dropped
}

func TestGlobalPool(t *testing.T) {
	buf := GetBuffer(512)
	require.Len(t, buf, 512)
	PutBuffer(buf)
}

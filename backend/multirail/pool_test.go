package multirail

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestPoolAllocateReleaseIsLIFO(t *testing.T) {
	p := newRequestPool(4, 0, 100, opWrite)
	require.Equal(t, 0, p.activeCount())

	a := p.allocate()
	b := p.allocate()
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.Equal(t, 2, p.activeCount())
	require.NotEqual(t, a.idx, b.idx)

	p.release(b)
	require.Equal(t, 1, p.activeCount())

	c := p.allocate()
	require.Equal(t, b.idx, c.idx)
}

func TestRequestPoolAllocateExhaustedReturnsNil(t *testing.T) {
	p := newRequestPool(1, 0, 0, opRead)
	first := p.allocate()
	require.NotNil(t, first)
	require.Nil(t, p.allocate())
}

func TestRequestPoolSlotsHavePreAssignedXferIDs(t *testing.T) {
	p := newRequestPool(3, 0, 50, opWrite)
	for i, s := range p.slots {
		require.Equal(t, uint32(50+i), s.xferID)
	}
}

func TestRequestPoolAllocateResetsDataFields(t *testing.T) {
	p := newRequestPool(1, 0, 0, opWrite)
	s := p.allocate()
	s.localAddr = 0xABCD
	s.onComplete = func(bool, uint64, uint32, error) {}
	p.release(s)

	s2 := p.allocate()
	require.Equal(t, uint64(0), s2.localAddr)
	require.Nil(t, s2.onComplete)
}

package multirail

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClaimXferIDRangeDisjoint(t *testing.T) {
	a := claimXferIDRange(10)
	b := claimXferIDRange(5)
	require.Equal(t, a+10, b)
}

// The counter is a plain uint32; a claim that straddles its wraparound
// point must still hand out a disjoint, contiguous range rather than
// colliding with IDs already claimed near zero.
func TestClaimXferIDRangeWrapsWithoutMisdelivery(t *testing.T) {
	saved := atomic.LoadUint32(&globalXferIDCounter)
	defer atomic.StoreUint32(&globalXferIDCounter, saved)

	atomic.StoreUint32(&globalXferIDCounter, ^uint32(0)-3) // 4 ids remain before wrap

	a := claimXferIDRange(5) // straddles the wrap
	b := claimXferIDRange(5) // lands entirely after it
	require.Equal(t, a+5, b)
}

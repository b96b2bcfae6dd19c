package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendPointSetCurrent(t *testing.T) {
	geo := testGeo()
	pool := newPool(geo, 0, false)
	ap := newAppendPoint(0, pool)
	assert.Nil(t, ap.Current())

	b, err := pool.GetBlock(false)
	require.NoError(t, err)
	ap.setCurrent(b)
	assert.Same(t, b, ap.Current())
	assert.Same(t, ap, b.owningAP)

	// testGeo has two blocks and one AP, so the remaining free block is the
	// GC reserve: a user GetBlock is refused, the GC path may take it.
	b2, err := pool.GetBlock(true)
	require.NoError(t, err)
	ap.setCurrent(b2)
	assert.Same(t, b2, ap.Current())
	assert.Nil(t, b.owningAP)
}

func TestAppendPointAccessAccounting(t *testing.T) {
	pool := newPool(testGeo(), 0, false)
	ap := newAppendPoint(0, pool)
	ap.accessAccounting(true)
	ap.accessAccounting(true)
	ap.accessAccounting(false)
	assert.EqualValues(t, 2, ap.access.Write.Load())
	assert.EqualValues(t, 1, ap.access.Read.Load())
}

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTable_NextRequestIDMonotonic(t *testing.T) {
	tbl := newPendingTable()
	a := tbl.nextRequestID()
	b := tbl.nextRequestID()
	c := tbl.nextRequestID()
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	assert.Equal(t, int64(3), c)
}

func TestPendingTable_AddResolve(t *testing.T) {
	tbl := newPendingTable()
	id := tbl.nextRequestID()

	var got []interface{}
	tbl.add(id, func(args []interface{}) { got = args }, time.Minute)

	cb, ok := tbl.resolve(id)
	require.True(t, ok)
	cb([]interface{}{"result"})
	assert.Equal(t, []interface{}{"result"}, got)

	_, ok = tbl.resolve(id)
	assert.False(t, ok, "resolved entries must be removed")
}

func TestPendingTable_ResolveUnknown(t *testing.T) {
	tbl := newPendingTable()
	_, ok := tbl.resolve(999)
	assert.False(t, ok)
}

func TestPendingTable_Reset(t *testing.T) {
	tbl := newPendingTable()
	tbl.nextRequestID()
	tbl.nextRequestID()
	tbl.add(5, func([]interface{}) {}, time.Minute)

	tbl.reset()

	assert.Equal(t, 0, tbl.len())
	assert.Equal(t, int64(1), tbl.nextRequestID(), "ids must strictly reset to 0 before the next increment")
}

func TestPendingTable_SweepExpired(t *testing.T) {
	tbl := newPendingTable()
	id := tbl.nextRequestID()
	tbl.add(id, func([]interface{}) {}, -time.Second) // already expired

	expired := tbl.sweepExpired(time.Now())
	assert.Len(t, expired, 1)
	assert.Equal(t, 0, tbl.len())
}

func TestPendingTable_ClearReturnsAllCallbacks(t *testing.T) {
	tbl := newPendingTable()
	var fired int
	for i := 0; i < 3; i++ {
		id := tbl.nextRequestID()
		tbl.add(id, func([]interface{}) { fired++ }, time.Minute)
	}

	callbacks := tbl.clear()
	require.Len(t, callbacks, 3)
	for _, cb := range callbacks {
		cb(nil)
	}
	assert.Equal(t, 3, fired)
	assert.Equal(t, 0, tbl.len())
}

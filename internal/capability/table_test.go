package capability

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax-s/splax/internal/constants"
)

func TestMintRootAndCheck(t *testing.T) {
	tbl := NewTable(nil)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead|PermWrite|PermGrant)

	require.NoError(t, tbl.Check(1, root.ID, PermRead))
	require.NoError(t, tbl.Check(1, root.ID, PermRead|PermWrite))
	assert.ErrorIs(t, tbl.Check(1, root.ID, PermExecute), ErrInsufficientPermission)
}

func TestGrantDelegateCheck(t *testing.T) {
	tbl := NewTable(nil)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead|PermWrite|PermGrant)

	child, err := tbl.Grant(1, root.ID, 2, PermRead)
	require.NoError(t, err)
	assert.EqualValues(t, 1, child.Depth)

	require.NoError(t, tbl.Check(2, child.ID, PermRead))
	assert.ErrorIs(t, tbl.Check(2, child.ID, PermWrite), ErrInsufficientPermission)
}

func TestGrantRejectsPermissionEscalation(t *testing.T) {
	tbl := NewTable(nil)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead)

	_, err := tbl.Grant(1, root.ID, 2, PermRead|PermWrite)
	assert.ErrorIs(t, err, ErrInsufficientPermission)
}

func TestGrantRejectsDepthOverflow(t *testing.T) {
	tbl := NewTable(nil)
	tok := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead|PermGrant)

	var err error
	for i := 0; i < int(constants.MaxDelegationDepth)+2; i++ {
		var next *Token
		next, err = tbl.Grant(1, tok.ID, ProcessID(i+2), PermRead)
		if err != nil {
			break
		}
		tok = next
	}
	assert.ErrorIs(t, err, ErrDelegationDepthExceeded)
}

func TestRevokeCascadesToSubtree(t *testing.T) {
	tbl := NewTable(nil)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead|PermGrant)
	child, err := tbl.Grant(1, root.ID, 2, PermRead)
	require.NoError(t, err)
	grandchild, err := tbl.Grant(2, child.ID, 3, PermRead)
	require.NoError(t, err)

	require.NoError(t, tbl.Revoke(1, root.ID))

	assert.ErrorIs(t, tbl.Check(1, root.ID, PermRead), ErrRevoked)
	assert.ErrorIs(t, tbl.Check(2, child.ID, PermRead), ErrRevoked)
	assert.ErrorIs(t, tbl.Check(3, grandchild.ID, PermRead), ErrRevoked)
}

func TestCheckRejectsUnknownToken(t *testing.T) {
	tbl := NewTable(nil)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead)
	forged := root.ID
	forged[0] ^= 0xff
	assert.ErrorIs(t, tbl.Check(1, forged, PermRead), ErrInvalidToken)
}

func TestAuditLogBoundedWithDropCounter(t *testing.T) {
	log := NewAuditLog()
	tbl := NewTable(log)

	for i := 0; i < constants.AuditLogCapacity+10; i++ {
		tbl.MintRoot(ProcessID(i), ResourceRef{Kind: "x", ID: uint64(i)}, PermRead)
	}

	assert.EqualValues(t, 10, log.Dropped())
	assert.Len(t, log.Snapshot(), constants.AuditLogCapacity)
}

func TestCheckAppendsAuditRecordForBothOutcomes(t *testing.T) {
	log := NewAuditLog()
	tbl := NewTable(log)
	root := tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 7}, PermRead)

	require.NoError(t, tbl.Check(9, root.ID, PermRead))
	assert.ErrorIs(t, tbl.Check(9, root.ID, PermWrite), ErrInsufficientPermission)

	records := log.Snapshot()
	require.Len(t, records, 3) // mint + two checks
	assert.Equal(t, OpCheck, records[1].Op)
	assert.Equal(t, OutcomeAllowed, records[1].Outcome)
	assert.EqualValues(t, 9, records[1].Actor)
	assert.Equal(t, OpCheck, records[2].Op)
	assert.Equal(t, OutcomeDenied, records[2].Outcome)
}

func TestAuditLogFlush(t *testing.T) {
	log := NewAuditLog()
	tbl := NewTable(log)
	tbl.MintRoot(1, ResourceRef{Kind: "channel", ID: 1}, PermRead)

	var buf bytes.Buffer
	require.NoError(t, log.Flush(&buf))
	assert.NotZero(t, buf.Len())
	assert.Empty(t, log.Snapshot())
}

package assert

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	mustBeTrue := True(true, "must be true")
	require.True(t, mustBeTrue.Eval())
	require.NoError(t, mustBeTrue.Check())
	require.NoError(t, mustBeTrue.Check())
	require.Equal(t, "must be true", mustBeTrue.String())

	mustBeFalse := False(false, "must be false")
	require.True(t, mustBeFalse.Eval())
	require.NoError(t, mustBeFalse.Check())
	require.Equal(t, "must be false", mustBeFalse.String())

	require.NoError(t, Check(mustBeTrue, mustBeFalse))

	err := Check(mustBeTrue, mustBeFalse, newCond("foo", func() bool {
		return false
	}))
	require.Error(t, err)
	require.ErrorContains(t, err, "precondition failed: foo")
}

func TestAssert_Not(t *testing.T) {
	c := Not(True(true, "truthy"))
	require.False(t, c.Eval())
	require.Equal(t, "[not](truthy)", c.String())
	require.Error(t, c.Check())

	require.NoError(t, Not(False(true, "falsy")).Check())
}

func TestAssert_firstFailureWins(t *testing.T) {
	err := Check(
		True(false, "first"),
		True(false, "second"),
	)
	require.ErrorContains(t, err, "first")
}

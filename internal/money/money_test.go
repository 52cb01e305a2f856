package money

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStringRejectsNegative(t *testing.T) {
	_, err := FromString("-1")
	assert.Error(t, err)
}

func TestFromStringRejectsGarbage(t *testing.T) {
	_, err := FromString("0.1")
	assert.Error(t, err)
}

func TestAddSubRoundTrip(t *testing.T) {
	a, err := FromString("1000000000000000000")
	require.NoError(t, err)
	b, err := FromString("250000000000000000")
	require.NoError(t, err)

	sum := a.Add(b)
	assert.Equal(t, "1250000000000000000", sum.String())

	back := sum.Sub(b)
	assert.Equal(t, 0, back.Cmp(a))
}

func TestMulByGasUnits(t *testing.T) {
	price, err := FromString("30")
	require.NoError(t, err)
	fee := price.Mul(21000)
	assert.Equal(t, "630000", fee.String())
}

func TestGreaterThanAndIsZero(t *testing.T) {
	assert.True(t, Zero().IsZero())
	one, _ := FromString("1")
	assert.True(t, one.GreaterThan(Zero()))
	assert.False(t, Zero().GreaterThan(one))
}

func TestJSONRoundTripNeverUsesNumber(t *testing.T) {
	amt, err := FromString("123456789012345678901234567890")
	require.NoError(t, err)

	raw, err := json.Marshal(amt)
	require.NoError(t, err)
	assert.Equal(t, `"123456789012345678901234567890"`, string(raw))

	var decoded Amount
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 0, decoded.Cmp(amt))
}

func TestFromBigIntDefensiveCopy(t *testing.T) {
	src := big.NewInt(42)
	amt := FromBigInt(src)
	src.SetInt64(0)
	assert.Equal(t, "42", amt.String())
}

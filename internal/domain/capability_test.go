package domain

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapabilityRejectsUnknownKinds(t *testing.T) {
	c, err := ParseCapability(" Network-Call ")
	require.NoError(t, err)
	assert.Equal(t, CapNetworkCall, c)

	_, err = ParseCapability("launch-missiles")
	assert.ErrorIs(t, err, ErrManifestInvalid)

	_, err = ParseCapabilitySet([]string{"read-file", "sudo"})
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestCapabilityCodesRoundTrip(t *testing.T) {
	for _, c := range AllCapabilities {
		got, ok := CapabilityFromCode(c.Code())
		require.True(t, ok)
		assert.Equal(t, c, got)
	}
	_, ok := CapabilityFromCode(0)
	assert.False(t, ok)
	_, ok = CapabilityFromCode(uint32(len(AllCapabilities) + 1))
	assert.False(t, ok)
}

func TestCapabilitySetJSONIsSorted(t *testing.T) {
	s := NewCapabilitySet(CapWriteFile, CapNetworkCall, CapReadFile)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["network-call","read-file","write-file"]`, string(data))

	var back CapabilitySet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)

	assert.Error(t, json.Unmarshal([]byte(`["teleport"]`), &back))
}

func pick(idx []int) CapabilitySet {
	s := make(CapabilitySet)
	for _, i := range idx {
		s[AllCapabilities[i]] = struct{}{}
	}
	return s
}

func TestSubsetProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	idx := gen.SliceOf(gen.IntRange(0, len(AllCapabilities)-1))

	properties.Property("intersection is a subset of both sides", prop.ForAll(
		func(a, b []int) bool {
			x, y := pick(a), pick(b)
			in := x.Intersect(y)
			return in.SubsetOf(x) && in.SubsetOf(y)
		},
		idx, idx,
	))

	properties.Property("missing is empty exactly for subsets", prop.ForAll(
		func(a, b []int) bool {
			x, y := pick(a), pick(b)
			return x.SubsetOf(y) == (len(x.Missing(y)) == 0)
		},
		idx, idx,
	))

	properties.TestingRun(t)
}

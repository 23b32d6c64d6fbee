package mediaformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsConflictingName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFormat(Format{Name: "G.711-uLaw", PayloadType: PayloadTypePCMU, ClockRate: 8000}))
	err := r.RegisterFormat(Format{Name: "G.711-uLaw", PayloadType: PayloadTypePCMU, ClockRate: 16000})
	assert.Error(t, err)
}

func TestRegistryAllowsIdenticalReregister(t *testing.T) {
	r := NewRegistry()
	f := Format{Name: "G.711-uLaw", PayloadType: PayloadTypePCMU, ClockRate: 8000}
	require.NoError(t, r.RegisterFormat(f))
	require.NoError(t, r.RegisterFormat(f))
}

func TestDynamicPayloadTypeCollisionAllowed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFormat(Format{Name: "iLBC-13k3", PayloadType: DynamicPayloadType, ClockRate: 8000}))
	require.NoError(t, r.RegisterFormat(Format{Name: "SILK-NB", PayloadType: DynamicPayloadType, ClockRate: 8000}))
	found := r.FindByPayloadType(DynamicPayloadType)
	assert.Len(t, found, 2)
}

func TestOrderedListNoDuplicates(t *testing.T) {
	l := NewOrderedList(
		Format{Name: "G.711-uLaw"},
		Format{Name: "G.711-uLaw"},
		Format{Name: "G.722"},
	)
	assert.Equal(t, 2, l.Len())
}

func TestOrderedListRemoveMask(t *testing.T) {
	l := NewOrderedList(Format{Name: "iLBC-13k3"}, Format{Name: "G.711-uLaw"})
	l.RemoveMask([]string{"iLBC-13k3"})
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "G.711-uLaw", l.Formats()[0].Name)
}

func TestFormatMergeMinMax(t *testing.T) {
	local := Format{Name: "G.729", Options: []Option{{Name: "bitrate", Value: 8000, Policy: MinMerge}}}
	remote := Format{Name: "G.729", Options: []Option{{Name: "bitrate", Value: 6400, Policy: MinMerge}}}
	merged, err := local.Merge(remote)
	require.NoError(t, err)
	opt, ok := merged.Option("bitrate")
	require.True(t, ok)
	assert.Equal(t, float64(6400), opt.Value)
}

func TestFormatMergeEqualMismatch(t *testing.T) {
	local := Format{Name: "G.729", Options: []Option{{Name: "Annex-B", IsStr: true, String: "yes", Policy: EqualMerge}}}
	remote := Format{Name: "G.729", Options: []Option{{Name: "Annex-B", IsStr: true, String: "no", Policy: EqualMerge}}}
	_, err := local.Merge(remote)
	assert.Error(t, err)
}

func TestOrderedListIntersectPreservesLocalOrder(t *testing.T) {
	local := NewOrderedList(Format{Name: "G.722"}, Format{Name: "G.711-uLaw"})
	remote := NewOrderedList(Format{Name: "G.711-uLaw"}, Format{Name: "G.722"})
	merged, err := local.Intersect(remote)
	require.NoError(t, err)
	require.Equal(t, 2, merged.Len())
	assert.Equal(t, "G.722", merged.Formats()[0].Name)
}

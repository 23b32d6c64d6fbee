package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasEP(prefixes ...string) func(string) bool {
	set := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		set[p] = true
	}
	return func(prefix string) bool { return set[prefix] }
}

func TestExactTabMatch(t *testing.T) {
	e, err := NewEntry("x", "y", "pc:*")
	require.NoError(t, err)
	table := NewTable(e)

	got, err := table.Route("x", "y", nil)
	require.NoError(t, err)
	assert.Equal(t, "pc:*", got)

	// The anchored pattern matches nothing shorter or longer.
	_, err = table.Route("x", "yy", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
	_, err = table.Route("xx", "y", nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestFirstMatchingEntryWins(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("h323:.*\tpots:.* = lid:<dn>"))
	require.NoError(t, table.AddSpec("h323:.* = pc:<da>"))
	require.NoError(t, table.AddSpec("h323:.* = ivr:"))

	got, err := table.Route("h323:alice@1.2.3.4", "fred", nil)
	require.NoError(t, err)
	assert.Equal(t, "pc:fred", got)
}

func TestMacroSubstitution(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("sip:.* = h323:<du>@gateway"))

	got, err := table.Route("sip:me@here.net", "sip:fred@boggs.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "h323:fred@gateway", got)
}

func TestDigitMacros(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("pc:.* = pots:<dn>"))

	got, err := table.Route("pc:desk", "+1-800-555(0199)x42", nil)
	require.NoError(t, err)
	assert.Equal(t, "pots:1-800-555(0199)", got)
}

func TestCallingUserMacro(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("sip:.* = ivr:menu/<cu>"))

	got, err := table.Route("sip:alice@example.com", "1000", nil)
	require.NoError(t, err)
	assert.Equal(t, "ivr:menu/alice", got)
}

func TestDnFieldMacro(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("pots:.* = sip:<dn2>@pbx"))

	got, err := table.Route("pots:handset", "42*1000*77", nil)
	require.NoError(t, err)
	assert.Equal(t, "sip:1000@pbx", got)
}

func TestDn2ipVariants(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("pots:.* = sip:<dn2ip>"))

	cases := map[string]string{
		"10*0*0*1":           "sip:10.0.0.1",
		"99*10*0*0*1":        "sip:99@10.0.0.1",
		"99*10*0*0*1*5062":   "sip:99@10.0.0.1:5062",
		"12345":              "sip:12345",
	}
	for dialed, want := range cases {
		got, err := table.Route("pots:handset", dialed, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got, "dialed %q", dialed)
	}
}

func TestDaBackwardCompatibility(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec("pc:.* = sip:<da>"))

	// B-party already carries an attached scheme: passes unchanged.
	got, err := table.Route("pc:desk", "h323:fred@boggs.com", hasEP("h323", "sip"))
	require.NoError(t, err)
	assert.Equal(t, "h323:fred@boggs.com", got)

	// No attached scheme: the template applies.
	got, err = table.Route("pc:desk", "fred", hasEP("sip"))
	require.NoError(t, err)
	assert.Equal(t, "sip:fred", got)
}

func TestLabelRedirection(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec(".*\t8.* = label:operator"))
	require.NoError(t, table.AddSpec(".*\tlabel:operator = sip:op@pbx"))

	got, err := table.Route("pc:desk", "8000", nil)
	require.NoError(t, err)
	assert.Equal(t, "sip:op@pbx", got)
}

func TestLabelLoopFailsClosed(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec(".*\tlabel:a = label:b"))
	require.NoError(t, table.AddSpec(".*\tlabel:b = label:a"))
	require.NoError(t, table.AddSpec(".*\t9.* = label:a"))

	_, err := table.Route("pc:desk", "9000", nil)
	assert.ErrorIs(t, err, ErrRouteLoop)
}

func TestEmptyTableBehaviour(t *testing.T) {
	table := NewTable()

	// A scheme with an attached endpoint routes directly.
	got, err := table.Route("pc:desk", "sip:fred@pbx", hasEP("sip"))
	require.NoError(t, err)
	assert.Equal(t, "sip:fred@pbx", got)

	// No scheme, no table: fails cleanly.
	_, err = table.Route("pc:desk", "fred", hasEP("sip"))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestNumberedCaptures(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.AddSpec(`sip:(.*)@.*\th323:.* = sip:\2@proxy`))

	got, err := table.Route("sip:alice@example.com", "h323:gw", nil)
	require.NoError(t, err)
	assert.Equal(t, "sip:alice@proxy", got)
}

func TestParseEntryRejectsBadSpecs(t *testing.T) {
	_, err := ParseEntry("no-destination-here")
	assert.Error(t, err)

	_, err = ParseEntry("([ = pc:*")
	assert.Error(t, err)
}

// Package routing implements the ordered regex route table translating
// symbolic party pairs into concrete destination URIs. Each entry's two
// patterns are compiled as one case-insensitive expression of the form
// "^(partyA)\t(partyB)$" matched against "partyA<TAB>partyB"; the first
// matching entry's destination template wins, after macro substitution.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoRoute means no entry matched and the B-party carried no
	// scheme an endpoint could take directly.
	ErrNoRoute = errors.New("routing: no route to destination")
	// ErrRouteLoop means label: redirections exceeded the hop bound.
	ErrRouteLoop = errors.New("routing: label redirection loop")
)

// maxLabelHops bounds label: redirection so mutually-referencing labels
// fail closed instead of spinning.
const maxLabelHops = 16

// Entry is one route-table row.
type Entry struct {
	PartyA      string
	PartyB      string
	Destination string

	re *regexp.Regexp
}

// NewEntry compiles a route entry from its two party patterns and a
// destination template.
func NewEntry(partyA, partyB, destination string) (Entry, error) {
	if partyA == "" {
		partyA = ".*"
	}
	if partyB == "" {
		partyB = ".*"
	}
	re, err := regexp.Compile(`(?i)^(` + partyA + `)\t(` + partyB + `)$`)
	if err != nil {
		return Entry{}, fmt.Errorf("routing: bad route pattern %q/%q: %w", partyA, partyB, err)
	}
	return Entry{PartyA: partyA, PartyB: partyB, Destination: destination, re: re}, nil
}

// ParseEntry decodes the configuration syntax
// "partyA_regex<TAB>partyB_regex = destination", where the tab may be
// written literally or as "\t". The compatibility form without a tab
// splits at the scheme colon: "h323:.* = pc:" applies "h323:.*" to the
// A-party and ".*" to the B-party.
func ParseEntry(spec string) (Entry, error) {
	pattern, destination, found := strings.Cut(spec, "=")
	if !found {
		return Entry{}, fmt.Errorf("routing: route spec %q has no destination", spec)
	}
	pattern = strings.TrimSpace(pattern)
	destination = strings.TrimSpace(destination)

	sep, sepLen := strings.IndexByte(pattern, '\t'), 1
	if sep < 0 {
		sep, sepLen = strings.Index(pattern, `\t`), 2
	}
	if sep >= 0 {
		return NewEntry(
			strings.TrimSpace(pattern[:sep]),
			strings.TrimSpace(pattern[sep+sepLen:]),
			destination)
	}
	if colon := strings.IndexByte(pattern, ':'); colon > 0 {
		return NewEntry(pattern[:colon+1]+".*", strings.TrimSpace(pattern[colon+1:]), destination)
	}
	return NewEntry(pattern, ".*", destination)
}

// Table is the ordered route list.
type Table struct {
	entries []Entry
}

// NewTable builds a table from pre-compiled entries.
func NewTable(entries ...Entry) *Table {
	return &Table{entries: entries}
}

// Add appends an entry.
func (t *Table) Add(e Entry) { t.entries = append(t.entries, e) }

// AddSpec parses and appends a configuration line.
func (t *Table) AddSpec(spec string) error {
	e, err := ParseEntry(spec)
	if err != nil {
		return err
	}
	t.Add(e)
	return nil
}

// Len reports the entry count.
func (t *Table) Len() int { return len(t.entries) }

// Route resolves partyA/partyB to a destination URI. hasEndpoint
// reports whether a scheme prefix is attached to the manager; it gates
// the direct-scheme fallback (taken with an empty table or when no entry
// matches) and the <da> backward-compatibility path. It may be nil,
// treating every scheme as unknown.
func (t *Table) Route(partyA, partyB string, hasEndpoint func(prefix string) bool) (string, error) {
	if hasEndpoint == nil {
		hasEndpoint = func(string) bool { return false }
	}

	if len(t.entries) == 0 {
		// Without a table the B-party must already be routable.
		if scheme := schemeOf(partyB); scheme != "" && hasEndpoint(scheme) {
			return partyB, nil
		}
		return "", ErrNoRoute
	}

	search := partyA + "\t" + partyB
	destination := ""
	var groups []string
	hops := 0
	for index := 0; index < len(t.entries); index++ {
		m := t.entries[index].re.FindStringSubmatch(search)
		if m == nil {
			continue
		}
		dest := t.entries[index].Destination
		if strings.HasPrefix(dest, "label:") {
			hops++
			if hops > maxLabelHops {
				return "", ErrRouteLoop
			}
			// Restart the scan with the label as the new B-party.
			search = partyA + "\t" + dest
			index = -1
			continue
		}
		destination = dest
		groups = m
		break
	}
	if destination == "" {
		// No entry matched: a B-party whose scheme has an attached
		// endpoint still routes directly.
		if scheme := schemeOf(partyB); scheme != "" && hasEndpoint(scheme) {
			return partyB, nil
		}
		return "", ErrNoRoute
	}

	// Backward compatibility: a template still naming <da> lets a
	// B-party with a directly-attached scheme pass through unchanged.
	if strings.Contains(destination, "<da>") {
		if scheme := schemeOf(partyB); scheme != "" && hasEndpoint(scheme) {
			return partyB, nil
		}
	}
	return expandMacros(destination, partyA, partyB, groups), nil
}

// schemeOf extracts a leading URI scheme, empty if none.
func schemeOf(party string) string {
	scheme, _, found := strings.Cut(party, ":")
	if !found || scheme == "" {
		return ""
	}
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(scheme)
}

// bPartyParts splits the B-party into the pieces the macros draw from.
type bPartyParts struct {
	user      string // between scheme colon and '@'
	nonUser   string // from '@' on: host and whatever follows
	digits    string // dialable span at the start of the body
	nonDigits string // remainder after the dialable span
}

const dialableChars = "0123456789*#-.()"

func splitBParty(party string) bPartyParts {
	body := party
	if scheme := schemeOf(party); scheme != "" {
		body = party[len(scheme)+1:]
	}
	var parts bPartyParts
	if at := strings.IndexByte(body, '@'); at >= 0 {
		parts.user = body[:at]
		parts.nonUser = body[at+1:]
	} else {
		parts.user = body
	}

	span := body
	if strings.HasPrefix(span, "+") {
		span = span[1:]
	}
	end := 0
	for end < len(span) && strings.IndexByte(dialableChars, span[end]) >= 0 {
		end++
	}
	parts.digits = span[:end]
	parts.nonDigits = span[end:]
	return parts
}

var dnFieldRE = regexp.MustCompile(`<dn[1-9]>`)

// expandMacros performs the destination-template substitutions.
func expandMacros(destination, partyA, partyB string, groups []string) string {
	parts := splitBParty(partyB)

	out := destination
	out = strings.ReplaceAll(out, "<da>", partyB)
	out = strings.ReplaceAll(out, "<db>", parts.nonUser)
	out = strings.ReplaceAll(out, "<du>", parts.user)
	out = strings.ReplaceAll(out, "<!du>", parts.nonUser)
	out = strings.ReplaceAll(out, "<dn>", parts.digits)
	out = strings.ReplaceAll(out, "<!dn>", parts.nonDigits)
	out = strings.ReplaceAll(out, "<cu>", callingUser(partyA))

	if dnFieldRE.MatchString(out) {
		fields := strings.Split(parts.digits, "*")
		out = dnFieldRE.ReplaceAllStringFunc(out, func(m string) string {
			n := int(m[3] - '0')
			if n <= len(fields) {
				return fields[n-1]
			}
			return ""
		})
	}

	for strings.Contains(out, "<dn2ip>") {
		out = strings.Replace(out, "<dn2ip>", digitsToAddress(parts.digits), 1)
	}

	// Numbered captures \1..\9 refer to the matched route pattern's
	// groups in open-paren order: \1 is the whole A-party match, then
	// any inner groups of the A pattern, then the B-party match and its
	// inner groups.
	for n := len(groups) - 1; n >= 1; n-- {
		out = strings.ReplaceAll(out, fmt.Sprintf(`\%d`, n), groups[n])
	}
	return out
}

// callingUser pulls the user part of the A-party for <cu>.
func callingUser(partyA string) string {
	body := partyA
	if scheme := schemeOf(partyA); scheme != "" {
		body = partyA[len(scheme)+1:]
	}
	if at := strings.IndexByte(body, '@'); at >= 0 {
		return body[:at]
	}
	return body
}

// digitsToAddress decodes the star-separated dial string of <dn2ip>:
// four fields form an IPv4 address, five a user@IPv4, six or more a
// user@IPv4:port; anything shorter passes through as plain digits.
func digitsToAddress(digits string) string {
	fields := strings.Split(digits, "*")
	switch {
	case len(fields) <= 3:
		return digits
	case len(fields) == 4:
		return fmt.Sprintf("%s.%s.%s.%s", fields[0], fields[1], fields[2], fields[3])
	case len(fields) == 5:
		return fmt.Sprintf("%s@%s.%s.%s.%s", fields[0], fields[1], fields[2], fields[3], fields[4])
	default:
		return fmt.Sprintf("%s@%s.%s.%s.%s:%s", fields[0], fields[1], fields[2], fields[3], fields[4], fields[5])
	}
}

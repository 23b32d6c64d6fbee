// Package mediaformat implements the media format registry: a catalog of
// named, immutable-by-reference codec descriptors with typed option maps
// and a merge policy used during capability negotiation. Codec DSP lives
// in plugins elsewhere; a Format is an opaque descriptor other components
// reason about by name and payload type.
package mediaformat

import "fmt"

// Kind is the media-type axis of a Format.
type Kind int

const (
	Audio Kind = iota
	Video
	Data
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Data:
		return "data"
	default:
		return "unknown"
	}
}

// PayloadType is the RTP payload type, 0-127. Values 96-127 are dynamic
// and may legitimately collide between unrelated formats.
type PayloadType uint8

const DynamicPayloadType PayloadType = 96

// MergePolicy controls how a local option value combines with a remote
// advertisement of the same option during capability negotiation.
type MergePolicy int

const (
	// NoMerge keeps the local value; the remote value is ignored.
	NoMerge MergePolicy = iota
	// AlwaysMerge always takes the remote value.
	AlwaysMerge
	// MinMerge takes the smaller of the two numeric values.
	MinMerge
	// MaxMerge takes the larger of the two numeric values.
	MaxMerge
	// EqualMerge fails negotiation unless the two values are equal.
	EqualMerge
	// CustomMerge defers to the Option's Merge callback.
	CustomMerge
)

// Option is one named, typed entry in a Format's option map.
type Option struct {
	Name   string
	Value  float64 // numeric options use this; for string options see String
	String string
	IsStr  bool
	Policy MergePolicy
	// Merge is consulted only when Policy == CustomMerge. It receives the
	// local and remote values and returns the merged value.
	Merge func(local, remote Option) (Option, error)
}

// merge combines o (local) with remote according to o's policy, returning
// the option to keep.
func (o Option) merge(remote Option) (Option, error) {
	switch o.Policy {
	case NoMerge:
		return o, nil
	case AlwaysMerge:
		return remote, nil
	case MinMerge:
		if remote.Value < o.Value {
			return remote, nil
		}
		return o, nil
	case MaxMerge:
		if remote.Value > o.Value {
			return remote, nil
		}
		return o, nil
	case EqualMerge:
		if o.IsStr {
			if o.String != remote.String {
				return Option{}, fmt.Errorf("mediaformat: option %q: equal-merge mismatch %q != %q", o.Name, o.String, remote.String)
			}
		} else if o.Value != remote.Value {
			return Option{}, fmt.Errorf("mediaformat: option %q: equal-merge mismatch %v != %v", o.Name, o.Value, remote.Value)
		}
		return o, nil
	case CustomMerge:
		if o.Merge == nil {
			return Option{}, fmt.Errorf("mediaformat: option %q: custom merge policy with no Merge func", o.Name)
		}
		return o.Merge(o, remote)
	default:
		return Option{}, fmt.Errorf("mediaformat: option %q: unknown merge policy %d", o.Name, o.Policy)
	}
}

// Capability flags, bitmask on Format.Capabilities.
const (
	CapVariableFrameSize uint32 = 1 << iota
	CapSilenceSuppression
	CapComfortNoise
	CapFastUpdate // video: supports intra-frame refresh request
)

// Format is an immutable-by-reference codec descriptor. Two
// Formats are the "same format" iff their Name matches; callers compare
// by name, never by pointer identity, since a Format is copied freely.
type Format struct {
	Name         string
	Kind         Kind
	PayloadType  PayloadType
	ClockRate    uint32
	FrameTime    uint32 // media clock units per frame, 0 if not framed
	Capabilities uint32
	Options      []Option // kept sorted by Name
}

// Clone returns a deep copy safe for independent mutation.
func (f Format) Clone() Format {
	out := f
	out.Options = append([]Option(nil), f.Options...)
	return out
}

// Option looks up an option by name.
func (f Format) Option(name string) (Option, bool) {
	for _, o := range f.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

// WithOption returns a copy of f with the named option set or replaced,
// keeping Options sorted by name.
func (f Format) WithOption(o Option) Format {
	out := f.Clone()
	for i, existing := range out.Options {
		if existing.Name == o.Name {
			out.Options[i] = o
			return out
		}
	}
	out.Options = append(out.Options, o)
	sortOptions(out.Options)
	return out
}

func sortOptions(opts []Option) {
	for i := 1; i < len(opts); i++ {
		for j := i; j > 0 && opts[j-1].Name > opts[j].Name; j-- {
			opts[j-1], opts[j] = opts[j], opts[j-1]
		}
	}
}

// Merge intersects f (treated as local) with remote, applying each
// shared option's merge policy from the local side. Options present only
// on one side pass through unchanged. Returns an error if any EqualMerge
// or CustomMerge option fails to reconcile.
func (f Format) Merge(remote Format) (Format, error) {
	if f.Name != remote.Name {
		return Format{}, fmt.Errorf("mediaformat: cannot merge distinct formats %q and %q", f.Name, remote.Name)
	}
	out := f.Clone()
	for i, lo := range out.Options {
		ro, ok := remote.Option(lo.Name)
		if !ok {
			continue
		}
		merged, err := lo.merge(ro)
		if err != nil {
			return Format{}, err
		}
		out.Options[i] = merged
	}
	for _, ro := range remote.Options {
		if _, ok := out.Option(ro.Name); !ok {
			out.Options = append(out.Options, ro)
		}
	}
	sortOptions(out.Options)
	return out, nil
}

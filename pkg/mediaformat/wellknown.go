package mediaformat

// Well-known telephony payload types (RFC 3551 table 4/5), so
// Format.PayloadType values line up with what arrives on the wire.
const (
	PayloadTypePCMU PayloadType = 0
	PayloadTypeGSM  PayloadType = 3
	PayloadTypeG723 PayloadType = 4
	PayloadTypePCMA PayloadType = 8
	PayloadTypeG722 PayloadType = 9
	PayloadTypeCN   PayloadType = 13
	PayloadTypeG729 PayloadType = 18
	// PayloadTypeTelephoneEvent is the conventional dynamic payload type
	// for RFC 2833/4733 DTMF tone events.
	PayloadTypeTelephoneEvent PayloadType = 101
)

// RegisterTelephonyDefaults populates r with the standard narrowband
// audio formats plus comfort noise and the RFC 2833 event format, used
// by Connections/Endpoints that don't build a bespoke codec set.
func RegisterTelephonyDefaults(r *Registry) error {
	defaults := []Format{
		{Name: "G.711-uLaw", Kind: Audio, PayloadType: PayloadTypePCMU, ClockRate: 8000, FrameTime: 8000 / 50},
		{Name: "G.711-ALaw", Kind: Audio, PayloadType: PayloadTypePCMA, ClockRate: 8000, FrameTime: 8000 / 50},
		{Name: "G.722", Kind: Audio, PayloadType: PayloadTypeG722, ClockRate: 8000, FrameTime: 8000 / 50},
		{Name: "G.729", Kind: Audio, PayloadType: PayloadTypeG729, ClockRate: 8000, FrameTime: 8000 / 100,
			Options: []Option{{Name: "Annex-B", IsStr: true, String: "yes", Policy: EqualMerge}}},
		{Name: "GSM-06.10", Kind: Audio, PayloadType: PayloadTypeGSM, ClockRate: 8000, FrameTime: 8000 / 50},
		{Name: "iLBC-13k3", Kind: Audio, PayloadType: DynamicPayloadType, ClockRate: 8000, FrameTime: 8000 * 30 / 1000,
			Capabilities: CapVariableFrameSize},
		{Name: "CN", Kind: Audio, PayloadType: PayloadTypeCN, ClockRate: 8000, Capabilities: CapComfortNoise},
		{Name: "NTE", Kind: Audio, PayloadType: PayloadTypeTelephoneEvent, ClockRate: 8000,
			Options: []Option{{Name: "events", IsStr: true, String: "0-16", Policy: NoMerge}}},
	}
	for _, f := range defaults {
		if err := r.RegisterFormat(f); err != nil {
			return err
		}
	}
	return nil
}

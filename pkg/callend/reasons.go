// Package callend defines the call end-reason taxonomy
// that every Connection/Call failure collapses to. Propagation policy:
// the first component to detect a failure sets its own end-reason (first
// setter wins) and the reason then propagates to peer Connections via the
// owning Call; see pkg/connection and pkg/call.
package callend

import "fmt"

// Reason is the single CallEndReason every failure mode maps to.
type Reason int

const (
	// Unset is the zero value: no reason has been recorded yet.
	Unset Reason = iota

	// Normal lifecycle events.
	LocalUser
	RemoteUser
	CallerAbort
	AnswerDenied
	NoAnswer
	CallForwarded
	AcceptingCallWaiting

	// Remote side refused or unreachable.
	NoAccept
	Refusal
	NoUser
	NoEndPoint
	HostOffline
	Unreachable
	TemporaryFailure

	// Resource/negotiation failures.
	NoBandwidth
	CapabilityExchange
	NoDialTone
	NoRingBackTone
	OutOfService

	// Network-level failures.
	TransportFail
	ConnectFail
	MediaFailed
	CertificateAuthority
	IllegalAddress

	// Policy/authorisation.
	Gatekeeper
	GkAdmissionFailed
	SecurityDenial
	InvalidConferenceID

	// Capacity.
	DurationLimit
	LocalBusy
	LocalCongestion
	RemoteBusy
	RemoteCongestion

	// NoRouteToDestination is raised by pkg/routing when the route table
	// fails to match and the B-party carries no explicit scheme.
	NoRouteToDestination

	// Q931CauseBase marks the start of the opaque Q.931 cause passthrough
	// range: Reason(Q931CauseBase + cause) for cause in 0..255, used only
	// for H.323 interop.
	Q931CauseBase Reason = 1000
)

var names = map[Reason]string{
	Unset:                "Unset",
	LocalUser:            "LocalUser",
	RemoteUser:           "RemoteUser",
	CallerAbort:          "CallerAbort",
	AnswerDenied:         "AnswerDenied",
	NoAnswer:             "NoAnswer",
	CallForwarded:        "CallForwarded",
	AcceptingCallWaiting: "AcceptingCallWaiting",
	NoAccept:             "NoAccept",
	Refusal:              "Refusal",
	NoUser:               "NoUser",
	NoEndPoint:           "NoEndPoint",
	HostOffline:          "HostOffline",
	Unreachable:          "Unreachable",
	TemporaryFailure:     "TemporaryFailure",
	NoBandwidth:          "NoBandwidth",
	CapabilityExchange:   "CapabilityExchange",
	NoDialTone:           "NoDialTone",
	NoRingBackTone:       "NoRingBackTone",
	OutOfService:         "OutOfService",
	TransportFail:        "TransportFail",
	ConnectFail:          "ConnectFail",
	MediaFailed:          "MediaFailed",
	CertificateAuthority: "CertificateAuthority",
	IllegalAddress:       "IllegalAddress",
	Gatekeeper:           "Gatekeeper",
	GkAdmissionFailed:    "GkAdmissionFailed",
	SecurityDenial:       "SecurityDenial",
	InvalidConferenceID:  "InvalidConferenceID",
	DurationLimit:        "DurationLimit",
	LocalBusy:            "LocalBusy",
	LocalCongestion:      "LocalCongestion",
	RemoteBusy:           "RemoteBusy",
	RemoteCongestion:     "RemoteCongestion",
	NoRouteToDestination: "NoRouteToDestination",
}

// Q931Cause builds the opaque-passthrough Reason for a raw Q.931 cause
// value, used only to carry H.323 interop causes that have no home in the
// named taxonomy above.
func Q931Cause(cause uint8) Reason {
	return Q931CauseBase + Reason(cause)
}

// IsQ931Cause reports whether r was built by Q931Cause, and if so the
// original cause value.
func (r Reason) IsQ931Cause() (uint8, bool) {
	if r < Q931CauseBase {
		return 0, false
	}
	v := r - Q931CauseBase
	if v > 255 {
		return 0, false
	}
	return uint8(v), true
}

func (r Reason) String() string {
	if name, ok := names[r]; ok {
		return name
	}
	if cause, ok := r.IsQ931Cause(); ok {
		return fmt.Sprintf("Q931Cause(%d)", cause)
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

package connection

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/myforce/opal-go/pkg/mediaformat"
)

// Per-call string option keys. The map attached to a connection uses
// these names; anything of the shape "<format>:<option>=<value>" is a
// per-codec override handled separately.
const (
	OptAutoStart          = "OPT_AUTO_START"
	OptUserInputMode      = "OPT_USER_INPUT_MODE"
	OptMinJitter          = "OPT_MIN_JITTER"
	OptMaxJitter          = "OPT_MAX_JITTER"
	OptDisableJitter      = "OPT_DISABLE_JITTER"
	OptRecordAudio        = "OPT_RECORD_AUDIO"
	OptAlertingType       = "OPT_ALERTING_TYPE"
	OptSilenceDetectMode  = "OPT_SILENCE_DETECT_MODE"
	OptCallingPartyName   = "OPT_CALLING_PARTY_NAME"
	OptCalledPartyName    = "OPT_CALLED_PARTY_NAME"
	OptCallingDisplayName = "OPT_CALLING_DISPLAY_NAME"
	OptCalledDisplayName  = "OPT_CALLED_DISPLAY_NAME"
	OptPresentationBlock  = "OPT_PRESENTATION_BLOCK"
	OptRemoveCodec        = "OPT_REMOVE_CODEC"
	OptCallForward        = "OPT_CALL_FORWARD"
	OptDTMFMult           = "OPT_DTMF_MULT"
	OptDTMFDiv            = "OPT_DTMF_DIV"
)

// UserInputMode selects how SendUserInputTone reaches the far side.
type UserInputMode int

const (
	// UserInputString sends digits at the protocol level (e.g. SIP INFO,
	// H.245 user-input indication strings).
	UserInputString UserInputMode = iota
	// UserInputTone sends RFC 2833/4733 events out-of-band in RTP.
	UserInputTone
	// UserInputQ931 carries digits in Q.931 signalling.
	UserInputQ931
	// UserInputInBand injects audible tone samples into the send path.
	UserInputInBand
)

func ParseUserInputMode(s string) (UserInputMode, bool) {
	switch strings.ToLower(s) {
	case "string":
		return UserInputString, true
	case "tone", "rfc2833":
		return UserInputTone, true
	case "q931", "q.931":
		return UserInputQ931, true
	case "inband":
		return UserInputInBand, true
	default:
		return UserInputString, false
	}
}

// StringOptions is the typed view of the per-call option map.
type StringOptions struct {
	AutoStart          string `mapstructure:"OPT_AUTO_START"`
	UserInputMode      string `mapstructure:"OPT_USER_INPUT_MODE"`
	MinJitter          uint32 `mapstructure:"OPT_MIN_JITTER"`
	MaxJitter          uint32 `mapstructure:"OPT_MAX_JITTER"`
	DisableJitter      bool   `mapstructure:"OPT_DISABLE_JITTER"`
	RecordAudio        string `mapstructure:"OPT_RECORD_AUDIO"`
	AlertingType       string `mapstructure:"OPT_ALERTING_TYPE"`
	SilenceDetectMode  string `mapstructure:"OPT_SILENCE_DETECT_MODE"`
	CallingPartyName   string `mapstructure:"OPT_CALLING_PARTY_NAME"`
	CalledPartyName    string `mapstructure:"OPT_CALLED_PARTY_NAME"`
	CallingDisplayName string `mapstructure:"OPT_CALLING_DISPLAY_NAME"`
	CalledDisplayName  string `mapstructure:"OPT_CALLED_DISPLAY_NAME"`
	PresentationBlock  bool   `mapstructure:"OPT_PRESENTATION_BLOCK"`
	RemoveCodec        string `mapstructure:"OPT_REMOVE_CODEC"`
	CallForward        string `mapstructure:"OPT_CALL_FORWARD"`
	DTMFMult           uint32 `mapstructure:"OPT_DTMF_MULT"`
	DTMFDiv            uint32 `mapstructure:"OPT_DTMF_DIV"`
}

// DecodeStringOptions builds the typed view from a raw option map,
// tolerating string-encoded numerics and booleans as a file- or
// CLI-sourced map would carry them.
func DecodeStringOptions(raw map[string]string) (StringOptions, error) {
	var opts StringOptions
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, err
	}
	return opts, nil
}

// CodecOverrides extracts the "<format>:<option>=<value>" entries from a
// raw option map, keyed by format name. The map's key holds
// "<format>:<option>" and the value the new setting.
func CodecOverrides(raw map[string]string) map[string][]mediaformat.Option {
	out := make(map[string][]mediaformat.Option)
	for key, value := range raw {
		name, option, found := strings.Cut(key, ":")
		if !found || strings.HasPrefix(key, "OPT_") {
			continue
		}
		out[name] = append(out[name], mediaformat.Option{
			Name:   option,
			String: value,
			IsStr:  true,
			Policy: mediaformat.NoMerge,
		})
	}
	return out
}

// AutoStartDirection says which directions of a media type open
// automatically when a connection reaches the media phase.
type AutoStartDirection int

const (
	AutoStartNone AutoStartDirection = iota
	AutoStartReceive
	AutoStartTransmit
	AutoStartBidirectional
)

func (d AutoStartDirection) CanTransmit() bool {
	return d == AutoStartTransmit || d == AutoStartBidirectional
}

func (d AutoStartDirection) CanReceive() bool {
	return d == AutoStartReceive || d == AutoStartBidirectional
}

// ParseAutoStart decodes the OPT_AUTO_START syntax
// "audio:sendrecv;video:recvonly" into a per-kind direction map. Media
// types not mentioned default to bidirectional.
func ParseAutoStart(spec string) map[mediaformat.Kind]AutoStartDirection {
	out := map[mediaformat.Kind]AutoStartDirection{
		mediaformat.Audio: AutoStartBidirectional,
		mediaformat.Video: AutoStartBidirectional,
	}
	for _, clause := range strings.FieldsFunc(spec, func(r rune) bool { return r == ';' || r == ',' }) {
		kindName, dirName, found := strings.Cut(strings.TrimSpace(clause), ":")
		if !found {
			continue
		}
		var kind mediaformat.Kind
		switch strings.ToLower(kindName) {
		case "audio":
			kind = mediaformat.Audio
		case "video":
			kind = mediaformat.Video
		default:
			continue
		}
		switch strings.ToLower(dirName) {
		case "no", "none":
			out[kind] = AutoStartNone
		case "recvonly", "receive":
			out[kind] = AutoStartReceive
		case "sendonly", "transmit":
			out[kind] = AutoStartTransmit
		case "sendrecv", "yes":
			out[kind] = AutoStartBidirectional
		}
	}
	return out
}

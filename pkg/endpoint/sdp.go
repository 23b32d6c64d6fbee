package endpoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/myforce/opal-go/pkg/mediaformat"
)

// sdpRtpmapName maps a format to its RTP/AVP encoding name.
func sdpRtpmapName(f mediaformat.Format) string {
	switch f.Name {
	case "G.711-uLaw":
		return "PCMU"
	case "G.711-ALaw":
		return "PCMA"
	case "G.722":
		return "G722"
	case "G.729":
		return "G729"
	case "GSM-06.10":
		return "GSM"
	case "NTE":
		return "telephone-event"
	case "CN":
		return "CN"
	default:
		return f.Name
	}
}

// buildSDPOffer assembles a one-audio-section session description
// advertising formats on host:port.
func buildSDPOffer(host string, port uint16, formats []mediaformat.Format) ([]byte, error) {
	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: int(port)},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, f := range formats {
		if f.Kind != mediaformat.Audio {
			continue
		}
		pt := strconv.Itoa(int(f.PayloadType))
		m.MediaName.Formats = append(m.MediaName.Formats, pt)
		m.Attributes = append(m.Attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%s %s/%d", pt, sdpRtpmapName(f), f.ClockRate),
		})
	}
	m.Attributes = append(m.Attributes, sdp.Attribute{Key: "sendrecv"})
	desc.MediaDescriptions = []*sdp.MediaDescription{m}
	return desc.Marshal()
}

// sdpMediaInfo is what the endpoint needs back out of a peer's session
// description.
type sdpMediaInfo struct {
	host         string
	port         uint16
	payloadTypes []uint8
}

// parseSDP extracts the first audio section's transport address and
// payload types.
func parseSDP(body []byte) (sdpMediaInfo, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return sdpMediaInfo{}, fmt.Errorf("endpoint: session description: %w", err)
	}
	info := sdpMediaInfo{}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		info.host = desc.ConnectionInformation.Address.Address
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			info.host = m.ConnectionInformation.Address.Address
		}
		info.port = uint16(m.MediaName.Port.Value)
		for _, f := range m.MediaName.Formats {
			if pt, err := strconv.Atoi(strings.TrimSpace(f)); err == nil && pt >= 0 && pt < 128 {
				info.payloadTypes = append(info.payloadTypes, uint8(pt))
			}
		}
		break
	}
	if info.host == "" || info.port == 0 {
		return sdpMediaInfo{}, fmt.Errorf("endpoint: session description names no audio transport")
	}
	return info, nil
}

package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pionsdp "github.com/pion/sdp/v3"
)

// ErrNoCommonCodec is returned when the offered codec list and local
// capabilities do not intersect. The leg is answered 488; the session
// engine stays up.
var ErrNoCommonCodec = errors.New("no common codec")

// DTMFMode says how touch tones travel once negotiation is done.
type DTMFMode string

const (
	// DTMFRFC2833 carries digits as RTP telephone-event packets.
	DTMFRFC2833 DTMFMode = "rfc2833"
	// DTMFInband falls back to in-band audio or SIP INFO when no
	// telephone-event payload type is shared with the remote side.
	DTMFInband DTMFMode = "inband"
)

// builtinCodecs is the capability table. Implementations are registered
// here at startup; per-call resolution is a map lookup, never
// reflection.
var builtinCodecs = map[string]Codec{
	"pcmu": {Name: "PCMU", PayloadType: 0, ClockRate: 8000, Channels: 1},
	"pcma": {Name: "PCMA", PayloadType: 8, ClockRate: 8000, Channels: 1},
	"g722": {Name: "G722", PayloadType: 9, ClockRate: 8000, Channels: 1},
	"g729": {Name: "G729", PayloadType: 18, ClockRate: 8000, Channels: 1, Fmtp: "annexb=no"},
	"opus": {Name: "opus", PayloadType: 111, ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"},
	"gsm":  {Name: "GSM", PayloadType: 3, ClockRate: 8000, Channels: 1},
}

// Capabilities is what this instance can speak, resolved once at
// startup from configuration.
type Capabilities struct {
	Codecs         []Codec
	DTMFCandidates []uint8
}

// NewCapabilities resolves configured codec names against the
// capability table and records the DTMF payload candidates in probe
// order.
func NewCapabilities(codecNames []string, dtmfCandidates []int) (Capabilities, error) {
	if len(codecNames) == 0 {
		return Capabilities{}, errors.New("no codecs configured")
	}
	caps := Capabilities{}
	for _, name := range codecNames {
		codec, ok := builtinCodecs[strings.ToLower(name)]
		if !ok {
			return Capabilities{}, fmt.Errorf("unsupported codec %q", name)
		}
		caps.Codecs = append(caps.Codecs, codec)
	}
	for _, pt := range dtmfCandidates {
		if pt < 96 || pt > 127 {
			return Capabilities{}, fmt.Errorf("dtmf payload type %d outside dynamic range 96-127", pt)
		}
		caps.DTMFCandidates = append(caps.DTMFCandidates, uint8(pt))
	}
	return caps, nil
}

func (c Capabilities) supports(name string) bool {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.Name, name) {
			return true
		}
	}
	return false
}

// Profile tunes negotiation per endpoint class. A non-empty Preference
// reorders the codec intersection into the local fixed preference
// instead of keeping the offerer's order, e.g. preferring G722 for
// internal calls to avoid transcoding.
type Profile struct {
	Preference []string
}

// Answer is the negotiated result for one leg. The media engine only
// needs the codec name, payload type and fmtp string.
type Answer struct {
	Codec       Codec
	DTMFMode    DTMFMode
	DTMFPayload uint8
	Direction   Direction
}

// Negotiate intersects the offer with local capabilities and picks one
// codec plus a DTMF payload type. The offerer's order is preserved
// unless the profile carries a fixed preference.
func Negotiate(offer *Offer, caps Capabilities, profile Profile) (*Answer, error) {
	var common []Codec
	for _, offered := range offer.Codecs {
		if caps.supports(offered.Name) {
			common = append(common, offered)
		}
	}
	if len(common) == 0 {
		return nil, fmt.Errorf("offered %d codecs: %w", len(offer.Codecs), ErrNoCommonCodec)
	}

	selected := common[0]
	if len(profile.Preference) > 0 {
		for _, name := range profile.Preference {
			found := false
			for _, codec := range common {
				if strings.EqualFold(codec.Name, name) {
					selected = codec
					found = true
					break
				}
			}
			if found {
				break
			}
		}
	}

	answer := &Answer{
		Codec:     selected,
		DTMFMode:  DTMFInband,
		Direction: answerDirection(offer.Direction),
	}

	// Probe the candidate list in priority order; first candidate the
	// remote side also offers wins.
	for _, candidate := range caps.DTMFCandidates {
		for _, offered := range offer.DTMFPayloads {
			if offered == candidate {
				answer.DTMFMode = DTMFRFC2833
				answer.DTMFPayload = candidate
				break
			}
		}
		if answer.DTMFMode == DTMFRFC2833 {
			break
		}
	}

	return answer, nil
}

// answerDirection mirrors the offered direction from the answerer's
// point of view.
func answerDirection(offered Direction) Direction {
	switch offered {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	case Inactive:
		return Inactive
	default:
		return SendRecv
	}
}

// Marshal renders the answer as an SDP body anchored at the given local
// RTP address.
func (a *Answer) Marshal(localIP string, localPort int) ([]byte, error) {
	now := uint64(time.Now().Unix())

	formats := []string{strconv.Itoa(int(a.Codec.PayloadType))}
	attrs := []pionsdp.Attribute{
		pionsdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s", a.Codec.PayloadType, a.Codec.String())),
	}
	if a.Codec.Fmtp != "" {
		attrs = append(attrs, pionsdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", a.Codec.PayloadType, a.Codec.Fmtp)))
	}
	if a.DTMFMode == DTMFRFC2833 {
		formats = append(formats, strconv.Itoa(int(a.DTMFPayload)))
		attrs = append(attrs,
			pionsdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", a.DTMFPayload)),
			pionsdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", a.DTMFPayload)),
		)
	}
	attrs = append(attrs,
		pionsdp.NewPropertyAttribute(string(a.Direction)),
		pionsdp.NewAttribute("ptime", "20"),
	)

	desc := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "telaris",
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: localIP},
		},
		TimeDescriptions: []pionsdp.TimeDescription{{}},
		MediaDescriptions: []*pionsdp.MediaDescription{{
			MediaName: pionsdp.MediaName{
				Media:   "audio",
				Port:    pionsdp.RangedPort{Value: localPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp answer: %w", err)
	}
	return raw, nil
}

// BuildOffer renders a local SDP offer carrying every configured codec
// plus the first DTMF candidate, used when this side originates the
// leg (outbound trunk calls, transfer targets).
func BuildOffer(caps Capabilities, localIP string, localPort int, direction Direction) ([]byte, error) {
	if len(caps.Codecs) == 0 {
		return nil, errors.New("no codecs configured")
	}
	now := uint64(time.Now().Unix())

	var formats []string
	var attrs []pionsdp.Attribute
	for _, codec := range caps.Codecs {
		formats = append(formats, strconv.Itoa(int(codec.PayloadType)))
		attrs = append(attrs, pionsdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s", codec.PayloadType, codec.String())))
		if codec.Fmtp != "" {
			attrs = append(attrs, pionsdp.NewAttribute("fmtp", fmt.Sprintf("%d %s", codec.PayloadType, codec.Fmtp)))
		}
	}
	if len(caps.DTMFCandidates) > 0 {
		pt := caps.DTMFCandidates[0]
		formats = append(formats, strconv.Itoa(int(pt)))
		attrs = append(attrs,
			pionsdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", pt)),
			pionsdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-16", pt)),
		)
	}
	attrs = append(attrs,
		pionsdp.NewPropertyAttribute(string(direction)),
		pionsdp.NewAttribute("ptime", "20"),
	)

	desc := &pionsdp.SessionDescription{
		Version: 0,
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "telaris",
		ConnectionInformation: &pionsdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &pionsdp.Address{Address: localIP},
		},
		TimeDescriptions: []pionsdp.TimeDescription{{}},
		MediaDescriptions: []*pionsdp.MediaDescription{{
			MediaName: pionsdp.MediaName{
				Media:   "audio",
				Port:    pionsdp.RangedPort{Value: localPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp offer: %w", err)
	}
	return raw, nil
}

// Package sdp reduces an offered codec and DTMF payload list plus local
// capabilities to a single agreed media description. It covers SDP
// offer/answer for audio only; RTP transport and codec DSP live behind
// the media engine interface.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Codec is one audio codec as it appears in an SDP media section.
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
	Channels    uint8
	Fmtp        string
}

// String renders the rtpmap form, e.g. "PCMU/8000".
func (c Codec) String() string {
	if c.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", c.Name, c.ClockRate, c.Channels)
	}
	return fmt.Sprintf("%s/%d", c.Name, c.ClockRate)
}

// Direction is the media flow direction of an SDP section.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// Offer is the parsed audio portion of a remote SDP offer. Codecs keep
// the offerer's priority order.
type Offer struct {
	Codecs       []Codec
	DTMFPayloads []uint8
	Direction    Direction
	Address      string
	Port         int
}

// HasPayload reports whether the offer lists the given audio payload type.
func (o *Offer) HasPayload(pt uint8) bool {
	for _, c := range o.Codecs {
		if c.PayloadType == pt {
			return true
		}
	}
	return false
}

// ParseOffer extracts the first audio media section from raw SDP.
func ParseOffer(raw []byte) (*Offer, error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}

	var audio *pionsdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("parse sdp: no audio media section")
	}

	offer := &Offer{
		Direction: extractDirection(audio.Attributes),
		Port:      audio.MediaName.Port.Value,
	}

	// Media-level connection data overrides session-level.
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		offer.Address = desc.ConnectionInformation.Address.Address
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		offer.Address = audio.ConnectionInformation.Address.Address
	}

	rtpmaps := make(map[uint8]Codec)
	fmtps := make(map[uint8]string)
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap":
			pt, codec, ok := parseRtpmap(attr.Value)
			if ok {
				rtpmaps[pt] = codec
			}
		case "fmtp":
			pt, params, ok := parseFmtp(attr.Value)
			if ok {
				fmtps[pt] = params
			}
		}
	}

	for _, format := range audio.MediaName.Formats {
		n, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		pt := uint8(n)
		codec, ok := rtpmaps[pt]
		if !ok {
			name, rate, channels := staticPayload(pt)
			if name == "" {
				continue
			}
			codec = Codec{Name: name, ClockRate: rate, Channels: channels}
		}
		codec.PayloadType = pt
		codec.Fmtp = fmtps[pt]

		if strings.EqualFold(codec.Name, "telephone-event") {
			offer.DTMFPayloads = append(offer.DTMFPayloads, pt)
			continue
		}
		offer.Codecs = append(offer.Codecs, codec)
	}

	return offer, nil
}

func parseRtpmap(value string) (uint8, Codec, bool) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, Codec{}, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, Codec{}, false
	}
	parts := strings.Split(fields[1], "/")
	if len(parts) < 2 {
		return 0, Codec{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, Codec{}, false
	}
	codec := Codec{Name: parts[0], ClockRate: uint32(rate), Channels: 1}
	if len(parts) >= 3 {
		if ch, err := strconv.ParseUint(parts[2], 10, 8); err == nil {
			codec.Channels = uint8(ch)
		}
	}
	return uint8(n), codec, true
}

func parseFmtp(value string) (uint8, string, bool) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) != 2 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return 0, "", false
	}
	return uint8(n), fields[1], true
}

func extractDirection(attrs []pionsdp.Attribute) Direction {
	for _, attr := range attrs {
		switch attr.Key {
		case "sendrecv":
			return SendRecv
		case "sendonly":
			return SendOnly
		case "recvonly":
			return RecvOnly
		case "inactive":
			return Inactive
		}
	}
	return SendRecv
}

// staticPayload resolves codecs offered without an rtpmap line by their
// RFC 3551 static assignment. Unknown types return an empty name and
// are skipped.
func staticPayload(pt uint8) (string, uint32, uint8) {
	switch pt {
	case 0:
		return "PCMU", 8000, 1
	case 3:
		return "GSM", 8000, 1
	case 4:
		return "G723", 8000, 1
	case 8:
		return "PCMA", 8000, 1
	case 9:
		return "G722", 8000, 1
	case 18:
		return "G729", 8000, 1
	default:
		return "", 0, 0
	}
}

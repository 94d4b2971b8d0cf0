package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOffer(t *testing.T, lines ...string) *Offer {
	t.Helper()
	raw := strings.Join(lines, "\r\n") + "\r\n"
	offer, err := ParseOffer([]byte(raw))
	require.NoError(t, err)
	return offer
}

func standardOffer(t *testing.T) *Offer {
	return sampleOffer(t,
		"v=0",
		"o=- 12345 12345 IN IP4 203.0.113.5",
		"s=call",
		"c=IN IP4 203.0.113.5",
		"t=0 0",
		"m=audio 49170 RTP/AVP 0 9 8 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:9 G722/8000",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
		"a=sendrecv",
	)
}

func testCaps(t *testing.T) Capabilities {
	t.Helper()
	caps, err := NewCapabilities([]string{"g722", "pcmu", "pcma", "opus"}, []int{101, 100, 102, 96})
	require.NoError(t, err)
	return caps
}

func TestParseOffer(t *testing.T) {
	offer := standardOffer(t)

	require.Len(t, offer.Codecs, 3)
	assert.Equal(t, "PCMU", offer.Codecs[0].Name)
	assert.Equal(t, "G722", offer.Codecs[1].Name)
	assert.Equal(t, "PCMA", offer.Codecs[2].Name)
	assert.Equal(t, []uint8{101}, offer.DTMFPayloads)
	assert.Equal(t, SendRecv, offer.Direction)
	assert.Equal(t, "203.0.113.5", offer.Address)
	assert.Equal(t, 49170, offer.Port)
}

func TestParseOfferStaticPayloadsWithoutRtpmap(t *testing.T) {
	offer := sampleOffer(t,
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0 8",
	)

	require.Len(t, offer.Codecs, 2)
	assert.Equal(t, "PCMU", offer.Codecs[0].Name)
	assert.Equal(t, uint32(8000), offer.Codecs[0].ClockRate)
	assert.Equal(t, "PCMA", offer.Codecs[1].Name)
}

func TestParseOfferNoAudioSection(t *testing.T) {
	raw := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\nm=video 4000 RTP/AVP 96\r\n"
	_, err := ParseOffer([]byte(raw))
	assert.Error(t, err)
}

func TestParseOfferCarriesFmtp(t *testing.T) {
	offer := sampleOffer(t,
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 18",
		"a=rtpmap:18 G729/8000",
		"a=fmtp:18 annexb=no",
	)

	require.Len(t, offer.Codecs, 1)
	assert.Equal(t, "annexb=no", offer.Codecs[0].Fmtp)
}

func TestNegotiatePreservesOffererOrder(t *testing.T) {
	offer := standardOffer(t)
	answer, err := Negotiate(offer, testCaps(t), Profile{})
	require.NoError(t, err)

	// Offerer listed PCMU first; without a fixed preference it wins.
	assert.Equal(t, "PCMU", answer.Codec.Name)
	assert.Equal(t, uint8(0), answer.Codec.PayloadType)
}

func TestNegotiateFixedPreference(t *testing.T) {
	offer := standardOffer(t)
	answer, err := Negotiate(offer, testCaps(t), Profile{Preference: []string{"g722", "pcmu"}})
	require.NoError(t, err)

	assert.Equal(t, "G722", answer.Codec.Name)
	assert.Equal(t, uint8(9), answer.Codec.PayloadType)
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	offer := sampleOffer(t,
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 18",
		"a=rtpmap:18 G729/8000",
	)
	caps, err := NewCapabilities([]string{"pcmu", "pcma"}, []int{101})
	require.NoError(t, err)

	_, err = Negotiate(offer, caps, Profile{})
	assert.ErrorIs(t, err, ErrNoCommonCodec)
}

func TestDTMFCandidateProbing(t *testing.T) {
	// Remote offers telephone-event on 100 and 96; candidate order is
	// 101, 100, 102, 96, so 100 is the first shared candidate.
	offer := sampleOffer(t,
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0 100 96",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:100 telephone-event/8000",
		"a=rtpmap:96 telephone-event/8000",
	)

	answer, err := Negotiate(offer, testCaps(t), Profile{})
	require.NoError(t, err)
	assert.Equal(t, DTMFRFC2833, answer.DTMFMode)
	assert.Equal(t, uint8(100), answer.DTMFPayload)
}

func TestDTMFInbandFallback(t *testing.T) {
	offer := sampleOffer(t,
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.1",
		"s=-",
		"c=IN IP4 10.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
	)

	answer, err := Negotiate(offer, testCaps(t), Profile{})
	require.NoError(t, err)
	assert.Equal(t, DTMFInband, answer.DTMFMode)
	assert.Equal(t, uint8(0), answer.DTMFPayload)
}

func TestNegotiateAnswerRoundTrip(t *testing.T) {
	offer := standardOffer(t)
	answer, err := Negotiate(offer, testCaps(t), Profile{Preference: []string{"g722"}})
	require.NoError(t, err)

	raw, err := answer.Marshal("198.51.100.1", 16384)
	require.NoError(t, err)

	// Re-parsing our own answer and negotiating against it lands on the
	// same codec and DTMF payload selection.
	parsed, err := ParseOffer(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Codecs, 1)
	assert.Equal(t, answer.Codec.Name, parsed.Codecs[0].Name)
	assert.Equal(t, answer.Codec.PayloadType, parsed.Codecs[0].PayloadType)
	assert.Equal(t, []uint8{answer.DTMFPayload}, parsed.DTMFPayloads)

	again, err := Negotiate(parsed, testCaps(t), Profile{})
	require.NoError(t, err)
	assert.Equal(t, answer.Codec.PayloadType, again.Codec.PayloadType)
	assert.Equal(t, answer.DTMFPayload, again.DTMFPayload)
}

func TestAnswerDirectionMirrorsOffer(t *testing.T) {
	tests := []struct {
		offered Direction
		want    Direction
	}{
		{SendRecv, SendRecv},
		{SendOnly, RecvOnly},
		{RecvOnly, SendOnly},
		{Inactive, Inactive},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, answerDirection(tt.offered), "offered %s", tt.offered)
	}
}

func TestNewCapabilitiesRejectsUnknownCodec(t *testing.T) {
	_, err := NewCapabilities([]string{"pcmu", "ilbc30"}, []int{101})
	assert.Error(t, err)
}

func TestNewCapabilitiesRejectsStaticDTMFPayload(t *testing.T) {
	_, err := NewCapabilities([]string{"pcmu"}, []int{18})
	assert.Error(t, err)
}

func TestBuildOfferContainsAllCodecs(t *testing.T) {
	caps := testCaps(t)
	raw, err := BuildOffer(caps, "198.51.100.1", 16384, SendRecv)
	require.NoError(t, err)

	offer, err := ParseOffer(raw)
	require.NoError(t, err)
	require.Len(t, offer.Codecs, len(caps.Codecs))
	assert.Equal(t, "G722", offer.Codecs[0].Name)
	assert.Equal(t, []uint8{101}, offer.DTMFPayloads)
}

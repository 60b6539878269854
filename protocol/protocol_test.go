package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	samples := []string{
		"",
		"plain text",
		"Hi|there",
		"|leading and trailing|",
		"a||b|||c",
		"unicode ционный | tiếng Việt",
	}

	for _, s := range samples {
		escaped := Escape(s)
		if s != escaped {
			assert.NotContains(t, escaped, "|")
		}
		assert.Equal(t, s, Unescape(escaped))
	}
}

func TestEscapeToken(t *testing.T) {
	// Токен фиксирован протоколом, менять нельзя
	assert.Equal(t, "&#124;", EscapeToken)
	assert.Len(t, EscapeToken, 6)
}

func TestParsePrivateUnescapesText(t *testing.T) {
	cmd, err := Parse("PRIVATE|bob|Hi&#124;there\n")
	require.NoError(t, err)

	p, ok := cmd.(Private)
	require.True(t, ok)
	assert.Equal(t, "bob", p.To)
	assert.Equal(t, "Hi|there", p.Text)
}

func TestParseGroupText(t *testing.T) {
	cmd, err := Parse("GROUP|team|hello world\r\n")
	require.NoError(t, err)

	g, ok := cmd.(GroupText)
	require.True(t, ok)
	assert.Equal(t, "team", g.Group)
	assert.Equal(t, "hello world", g.Text)
}

func TestParseLoginKeepsPipeInPassword(t *testing.T) {
	cmd, err := Parse("LOGIN|alice|pa|ss|word")
	require.NoError(t, err)

	l, ok := cmd.(Login)
	require.True(t, ok)
	assert.Equal(t, "alice", l.Username)
	assert.Equal(t, "pa|ss|word", l.Password)
}

func TestParseWebRTCPayloadOpaque(t *testing.T) {
	payload := `{"type":"offer","sdp":"v=0|o=-|s=-"}`
	cmd, err := Parse("WEBRTC|bob|" + payload)
	require.NoError(t, err)

	w, ok := cmd.(WebRTC)
	require.True(t, ok)
	assert.Equal(t, "bob", w.Target)
	assert.Equal(t, payload, w.Payload)
}

func TestParseFileAnnounce(t *testing.T) {
	cmd, err := Parse("FILE_PRIVATE|bob|alice|report.pdf|2048|pdf")
	require.NoError(t, err)

	f, ok := cmd.(FileAnnounce)
	require.True(t, ok)
	assert.Equal(t, "bob", f.Target)
	assert.False(t, f.ToGroup)
	assert.Equal(t, "report.pdf", f.Filename)
	assert.Equal(t, int64(2048), f.Size)
	assert.Equal(t, "pdf", f.FileType)
	assert.False(t, f.Voice)

	cmd, err = Parse("FILE_GROUP|team|alice|notes.txt|17|txt")
	require.NoError(t, err)
	f = cmd.(FileAnnounce)
	assert.True(t, f.ToGroup)
}

func TestParseVoiceAnnounce(t *testing.T) {
	cmd, err := Parse("VOICE_PRIVATE|bob|clip.wav|512|wav")
	require.NoError(t, err)

	f, ok := cmd.(FileAnnounce)
	require.True(t, ok)
	assert.Equal(t, "bob", f.Target)
	assert.Equal(t, "clip.wav", f.Filename)
	assert.Equal(t, int64(512), f.Size)
	assert.True(t, f.Voice)
}

func TestParseCreateGroupMembers(t *testing.T) {
	cmd, err := Parse("CREATE_GROUP|team|bob, carol ,,dave")
	require.NoError(t, err)

	g, ok := cmd.(CreateGroup)
	require.True(t, ok)
	assert.Equal(t, "team", g.Name)
	assert.Equal(t, []string{"bob", "carol", "dave"}, g.Members)

	cmd, err = Parse("CREATE_GROUP|solo")
	require.NoError(t, err)
	g = cmd.(CreateGroup)
	assert.Empty(t, g.Members)
}

func TestParseCallCommands(t *testing.T) {
	cmd, err := Parse("CALL_REQ|bob|VIDEO")
	require.NoError(t, err)
	req := cmd.(CallRequest)
	assert.Equal(t, "bob", req.Callee)
	assert.Equal(t, "VIDEO", req.CallType)

	cmd, err = Parse("CALL_RES|alice|ACCEPTED|42")
	require.NoError(t, err)
	res := cmd.(CallResponse)
	assert.Equal(t, "alice", res.Caller)
	assert.Equal(t, "ACCEPTED", res.Status)
	assert.Equal(t, int64(42), res.CallID)

	cmd, err = Parse("CALL_END|bob|42")
	require.NoError(t, err)
	end := cmd.(CallEnd)
	assert.Equal(t, "bob", end.Target)
	assert.Equal(t, int64(42), end.CallID)

	_, err = Parse("CALL_RES|alice|ACCEPTED|not-a-number")
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("\n")
	assert.ErrorIs(t, err, ErrEmptyLine)

	_, err = Parse("NO_SUCH_COMMAND|x|y")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Parse("PRIVATE|bob")
	assert.ErrorIs(t, err, ErrTooFewFields)

	_, err = Parse("LOGIN|alice")
	assert.ErrorIs(t, err, ErrTooFewFields)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "PRIVATE|alice|hello", Join("PRIVATE", "alice", "hello"))
}

package codec

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battleship-p2p/internal/commit"
	"battleship-p2p/internal/game"
)

func TestEnvelopeWireForm(t *testing.T) {
	e := &Envelope{
		MatchID:   uuid.New(),
		Seq:       3,
		Payload:   NewShot(game.Shot{Row: 4, Col: 7}),
		AuthToken: "ab",
	}
	raw, err := Encode(e)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"shot"`)
	assert.Contains(t, string(raw), `"match_id":"`+e.MatchID.String()+`"`)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, e, back)
}

func TestDecodeRejects(t *testing.T) {
	id := uuid.New().String()
	cases := map[string]string{
		"not json":      `{`,
		"unknown field": `{"match_id":"` + id + `","seq":1,"payload":{"kind":"close","close":{"reason":"x"}},"extra":1}`,
		"no body":       `{"match_id":"` + id + `","seq":1,"payload":{"kind":"shot"}}`,
		"wrong body":    `{"match_id":"` + id + `","seq":1,"payload":{"kind":"shot","close":{"reason":"x"}}}`,
		"two bodies":    `{"match_id":"` + id + `","seq":1,"payload":{"kind":"shot","shot":{"row":1,"col":1},"close":{"reason":"x"}}}`,
		"off board":     `{"match_id":"` + id + `","seq":1,"payload":{"kind":"shot","shot":{"row":10,"col":1}}}`,
		"unknown kind":  `{"match_id":"` + id + `","seq":1,"payload":{"kind":"taunt","close":{"reason":"x"}}}`,
		"trailing":      `{"match_id":"` + id + `","seq":1,"payload":{"kind":"close","close":{"reason":"x"}}} {}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestPayloadValidate(t *testing.T) {
	pub := bytes.Repeat([]byte{1}, PublicKeySize)
	require.NoError(t, ptr(NewKeyExchange(pub, RoleResponder)).Validate())
	assert.Error(t, ptr(NewKeyExchange(pub[:5], RoleInitiator)).Validate())

	kx := NewKeyExchange(pub, RoleInitiator)
	kx.KeyExchange.Version = 9
	assert.Error(t, kx.Validate())

	fleet := game.StandardFleet()
	assert.Error(t, ptr(NewBoardReady(commit.Commitment{}, fleet, "x")).Validate())
	assert.Error(t, ptr(NewBoardReady(commit.Commitment{1}, fleet, strings.Repeat("n", MaxPlayerName+1))).Validate())
	assert.Error(t, ptr(NewBoardReady(commit.Commitment{1}, game.Fleet{}, "ana")).Validate(), "empty fleet")
	assert.Error(t, ptr(NewBoardReady(commit.Commitment{1}, game.Fleet{game.BoardSize}, "ana")).Validate(), "ship longer than the cap")
	require.NoError(t, ptr(NewBoardReady(commit.Commitment{1}, fleet, "ana")).Validate())
	require.NoError(t, ptr(NewBoardReady(commit.Commitment{1}, fleet, "björn")).Validate())

	var wide commit.Commitment
	for i := range wide {
		wide[i] = 0xff
	}
	assert.ErrorIs(t, ptr(NewBoardReady(wide, fleet, "ana")).Validate(), ErrInvalidPayload, "commitment above the field modulus")

	assert.Error(t, ptr(NewRoundProof(nil, game.ShotResult{})).Validate())
	assert.Error(t, ptr(NewRoundProof([]byte{1}, game.ShotResult{Kind: game.Sunk})).Validate())
	require.NoError(t, ptr(NewRoundProof([]byte{1}, game.ShotResult{Kind: game.Hit})).Validate())

	long := NewClose(strings.Repeat("r", 1000))
	assert.Len(t, long.Close.Reason, MaxCloseReason)
	require.NoError(t, long.Validate())
}

func TestTextMustBeUTF8(t *testing.T) {
	latin1 := "bj\xf6rn"
	err := ptr(NewBoardReady(commit.Commitment{1}, game.StandardFleet(), latin1)).Validate()
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.ErrorContains(t, err, "UTF-8")

	_, err = Encode(&Envelope{MatchID: uuid.New(), Payload: NewBoardReady(commit.Commitment{1}, game.StandardFleet(), latin1)})
	assert.ErrorIs(t, err, ErrInvalidPayload)

	raw := Payload{Kind: KindClose, Close: &Close{Reason: latin1}}
	assert.ErrorIs(t, raw.Validate(), ErrInvalidPayload)

	fixed := NewClose(latin1)
	assert.True(t, utf8.ValidString(fixed.Close.Reason))
	require.NoError(t, fixed.Validate())

	// 255 ASCII bytes then a two-byte rune straddling the limit
	cut := NewClose(strings.Repeat("r", MaxCloseReason-1) + "öö")
	assert.Len(t, cut.Close.Reason, MaxCloseReason-1)
	assert.True(t, utf8.ValidString(cut.Close.Reason))
	require.NoError(t, cut.Validate())

	emoji := NewClose(strings.Repeat("🚢", 100))
	assert.LessOrEqual(t, len(emoji.Close.Reason), MaxCloseReason)
	assert.Equal(t, 64, utf8.RuneCountInString(emoji.Close.Reason))
	require.NoError(t, emoji.Validate())
}

func TestSigningBytes(t *testing.T) {
	id := uuid.New()
	p := NewRoundProof([]byte{1, 2, 3}, game.ShotResult{Kind: game.Sunk, Ship: game.Cruiser})

	a, err := SigningBytes(id, 5, p)
	require.NoError(t, err)
	b, err := SigningBytes(id, 5, p)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := SigningBytes(id, 6, p)
	require.NoError(t, err)
	assert.NotEqual(t, a, other, "seq is covered")

	otherID, err := SigningBytes(uuid.New(), 5, p)
	require.NoError(t, err)
	assert.NotEqual(t, a, otherID, "match id is covered")

	changed := NewRoundProof([]byte{1, 2, 3}, game.ShotResult{Kind: game.Hit})
	c, err := SigningBytes(id, 5, changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "payload is covered")
}

func TestRoleText(t *testing.T) {
	var r Role
	require.NoError(t, r.UnmarshalText([]byte("responder")))
	assert.Equal(t, RoleResponder, r)
	assert.Equal(t, RoleInitiator, r.Other())
	assert.Error(t, r.UnmarshalText([]byte("spectator")))
}

func ptr(p Payload) *Payload { return &p }

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Envelope is the unit of exchange on the channel. AuthToken is empty only
// for the two handshake envelopes at seq 0.
type Envelope struct {
	MatchID   uuid.UUID `json:"match_id"`
	Seq       uint64    `json:"seq"`
	Payload   Payload   `json:"payload"`
	AuthToken string    `json:"auth_token,omitempty"`
}

// signedFields fixes the order and shape of what the auth token covers.
type signedFields struct {
	_       struct{} `cbor:",toarray"`
	MatchID []byte
	Seq     uint64
	Payload Payload
}

var signingEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// SigningBytes is the canonical CBOR encoding of (matchID, seq, payload).
// Equal inputs always produce equal bytes.
func SigningBytes(matchID uuid.UUID, seq uint64, p Payload) ([]byte, error) {
	return signingEnc.Marshal(signedFields{MatchID: matchID[:], Seq: seq, Payload: p})
}

// Encode produces the JSON wire form.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Payload.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses the JSON wire form. Unknown fields and malformed payloads are rejected.
func Decode(b []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, invalid("trailing data after envelope")
	}
	if err := e.Payload.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

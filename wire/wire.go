// Package wire defines the JSON shapes exchanged between server and
// transponder: session envelopes on the websocket and REST request and
// reply bodies.
package wire

import (
	"encoding/json"

	"github.com/cynsky/AisVirtualNet/errors"
)

// Envelope is one websocket text frame. The first frame a transponder sends
// carries Username and Password; every later frame carries Packet.
type Envelope struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Packet   string `json:"packet,omitempty"`
}

// IsCredentials reports whether e is an authentication envelope.
func (e Envelope) IsCredentials() bool {
	return e.Packet == "" && e.Username != ""
}

// CredentialsEnvelope builds the authentication envelope.
func CredentialsEnvelope(username, password string) Envelope {
	return Envelope{Username: username, Password: password}
}

// PacketEnvelope builds a packet envelope.
func PacketEnvelope(packet string) Envelope {
	return Envelope{Packet: packet}
}

// Encode marshals e.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal envelope")
	}
	return b, nil
}

// DecodeEnvelope parses a text frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(errors.ErrParsingFailed, "Envelope", "DecodeEnvelope", "unmarshal envelope")
	}
	return e, nil
}

// AuthenticateRequest is the body of POST /rest/authenticate.
type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthenticateReply carries the token, or the reason it was refused.
type AuthenticateReply struct {
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// ReserveRequest is the body of POST /rest/reserve.
type ReserveRequest struct {
	MMSI  uint32 `json:"mmsi"`
	Token string `json:"token"`
}

// ReserveReply carries a reservation result such as RESERVED.
type ReserveReply struct {
	Result string `json:"result"`
}

// ErrorReply is returned with non-2xx statuses.
type ErrorReply struct {
	Error string `json:"error"`
}

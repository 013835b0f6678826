package overlay

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Every overlay control frame starts with this byte, spec §4.9. Anything
// else is handed to the STUN/TURN-compatible fallback path, out of scope
// here.
const framePrefix = 0xFF

// Kind is the second frame byte selecting one of the four control message
// shapes spec §4.9 multiplexes over the relay's single UDP socket.
type Kind byte

const (
	KindLoadBroadcast   Kind = 0xFE
	KindRedirect        Kind = 0xFD
	KindShutdownMigrate Kind = 0xFA
	KindPeerLookupReq   Kind = 0xFC
	KindPeerLookupResp  Kind = 0xFB
)

// Classify reports the frame's Kind and its body (everything after the two
// header bytes), or ok=false if data isn't one of this relay's frames.
func Classify(data []byte) (kind Kind, body []byte, ok bool) {
	if len(data) < 2 || data[0] != framePrefix {
		return 0, nil, false
	}
	switch Kind(data[1]) {
	case KindLoadBroadcast, KindRedirect, KindShutdownMigrate, KindPeerLookupReq, KindPeerLookupResp:
		return Kind(data[1]), data[2:], true
	default:
		return 0, nil, false
	}
}

// EncodeLoadBroadcast builds a {0xFF, 0xFE, active_conns_le16, port_le16}
// frame, spec §4.9.
func EncodeLoadBroadcast(activeConns, port uint16) []byte {
	buf := make([]byte, 6)
	buf[0], buf[1] = framePrefix, byte(KindLoadBroadcast)
	binary.LittleEndian.PutUint16(buf[2:4], activeConns)
	binary.LittleEndian.PutUint16(buf[4:6], port)
	return buf
}

// DecodeLoadBroadcast parses a load-broadcast body (post-Classify).
func DecodeLoadBroadcast(body []byte) (activeConns, port uint16, err error) {
	if len(body) != 4 {
		return 0, 0, fmt.Errorf("overlay: load-broadcast body must be 4 bytes, got %d", len(body))
	}
	return binary.LittleEndian.Uint16(body[0:2]), binary.LittleEndian.Uint16(body[2:4]), nil
}

// EncodeRedirect builds a {0xFF, 0xFD, url} frame, spec §4.9.
func EncodeRedirect(url string) []byte { return encodeStringFrame(KindRedirect, url) }

// DecodeRedirect parses a redirect body (post-Classify).
func DecodeRedirect(body []byte) string { return string(body) }

// EncodeShutdownMigrate builds a {0xFF, 0xFA, url} frame, spec §4.9.
func EncodeShutdownMigrate(url string) []byte { return encodeStringFrame(KindShutdownMigrate, url) }

// DecodeShutdownMigrate parses a shutdown-migration body (post-Classify).
func DecodeShutdownMigrate(body []byte) string { return string(body) }

// EncodePeerLookupReq builds a {0xFF, 0xFC, user_id} frame, spec §4.9.
func EncodePeerLookupReq(userID string) []byte { return encodeStringFrame(KindPeerLookupReq, userID) }

// DecodePeerLookupReq parses a peer-lookup request body (post-Classify).
func DecodePeerLookupReq(body []byte) string { return string(body) }

// EncodePeerLookupResp builds a {0xFF, 0xFB, user_id, 0x00, url} frame: the
// spec names a req/resp pair sharing the "user_id" shape but a response
// must also carry the answer, so this adds a NUL-separated url (empty if
// the peer is unknown) after the echoed user_id.
func EncodePeerLookupResp(userID, url string) []byte {
	return encodeStringFrame(KindPeerLookupResp, userID+"\x00"+url)
}

// DecodePeerLookupResp parses a peer-lookup response body (post-Classify).
func DecodePeerLookupResp(body []byte) (userID, url string) {
	parts := bytes.SplitN(body, []byte{0x00}, 2)
	userID = string(parts[0])
	if len(parts) == 2 {
		url = string(parts[1])
	}
	return userID, url
}

func encodeStringFrame(kind Kind, s string) []byte {
	buf := make([]byte, 2+len(s))
	buf[0], buf[1] = framePrefix, byte(kind)
	copy(buf[2:], s)
	return buf
}

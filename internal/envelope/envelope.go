// Package envelope implements C3: pack/unpack invite and signaling answer
// codes under the group key (spec §4.3, §6).
//
// Compression uses klauspost/compress's gzip implementation rather than
// compress/gzip from the standard library — the pack's libp2p/webrtc stack
// already carries klauspost/compress as a transitive dependency and several
// retrieved repos reach for it directly on hot paths; using it here keeps
// the invite/answer encode-decode path on the same compressor the rest of
// the stack is built around instead of a second, stdlib one.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"strings"

	"github.com/klauspost/compress/gzip"

	"syncshell-mesh/internal/identity"
	"syncshell-mesh/pkg/utils"
)

// Kind enumerates the invite/answer payload kinds, spec §3.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindBootstrap Kind = "bootstrap"
	KindNostr     Kind = "nostr"
	KindLegacy    Kind = "legacy"
)

// Scheme prefixes, spec §4.3/§6. Each non-legacy Kind maps 1:1 to a scheme;
// "legacy" never uses a scheme prefix, see EncodeLegacy/DecodeLegacy.
const (
	schemeOffer     = "syncshell://"
	schemeAnswer    = "answer://"
	schemeBootstrap = "BOOTSTRAP:"
	schemeNostr     = "NOSTR:"
)

func schemeFor(k Kind) (string, error) {
	switch k {
	case KindOffer:
		return schemeOffer, nil
	case KindAnswer:
		return schemeAnswer, nil
	case KindBootstrap:
		return schemeBootstrap, nil
	case KindNostr:
		return schemeNostr, nil
	default:
		return "", utils.New(utils.KindInvalidInput, "unsupported kind for scheme-prefixed envelope")
	}
}

func kindForScheme(text string) (Kind, string, bool) {
	switch {
	case strings.HasPrefix(text, schemeOffer):
		return KindOffer, strings.TrimPrefix(text, schemeOffer), true
	case strings.HasPrefix(text, schemeAnswer):
		return KindAnswer, strings.TrimPrefix(text, schemeAnswer), true
	case strings.HasPrefix(text, schemeBootstrap):
		return KindBootstrap, strings.TrimPrefix(text, schemeBootstrap), true
	case strings.HasPrefix(text, schemeNostr):
		return KindNostr, strings.TrimPrefix(text, schemeNostr), true
	default:
		return "", "", false
	}
}

// Payload is the decompressed, authenticated content of an invite/answer
// envelope, spec §3.
type Payload struct {
	GroupID       string `json:"group_id"`
	Kind          Kind   `json:"kind"`
	SDP           string `json:"sdp,omitempty"`
	AnswerChannel string `json:"answer_channel,omitempty"`
	BootstrapHint string `json:"bootstrap_hint,omitempty"`
	Relay         string `json:"relay,omitempty"`
	UUID          string `json:"uuid,omitempty"`
}

const tagSize = 8

// b64 is unpadded base64url, tolerant of the standard-base64 characters
// '+'/'/' on decode since "any reader must accept ... and convert -/_ to
// standard base64" cuts both ways in practice.
var b64 = base64.RawURLEncoding

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Generate packs payload into a scheme-prefixed, base64url, HMAC-tagged
// invite/answer code, spec §4.3 steps 1-4.
func Generate(kind Kind, payload Payload, groupKey []byte) (string, error) {
	scheme, err := schemeFor(kind)
	if err != nil {
		return "", err
	}
	payload.Kind = kind

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", utils.Wrapf(utils.KindInvalidInput, err, "marshal payload")
	}
	gz, err := gzipCompress(raw)
	if err != nil {
		return "", utils.Wrapf(utils.KindFatal, err, "gzip payload")
	}
	tag := identity.MAC(groupKey, gz, tagSize)
	body := append(gz, tag...)

	return scheme + b64.EncodeToString(body), nil
}

// normalizeB64 converts a URL-safe-or-standard base64 string (with or
// without padding) into a form RawURLEncoding can decode, per §6's "any
// reader must accept absent padding and convert -/_ to standard base64".
func normalizeB64(s string) string {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return s
}

// Decode unpacks and verifies a scheme-prefixed invite/answer code, spec §4.3.
func Decode(text string, groupKey []byte) (Payload, error) {
	kind, encoded, ok := kindForScheme(text)
	if !ok {
		return Payload{}, utils.New(utils.KindInvalidInput, "InvalidFormat")
	}

	body, err := b64.DecodeString(normalizeB64(encoded))
	if err != nil {
		return Payload{}, utils.New(utils.KindInvalidInput, "InvalidFormat")
	}
	if len(body) < tagSize {
		return Payload{}, utils.New(utils.KindInvalidInput, "InvalidFormat")
	}

	gz, tag := body[:len(body)-tagSize], body[len(body)-tagSize:]
	if !identity.VerifyMAC(groupKey, gz, tag) {
		return Payload{}, utils.New(utils.KindInvalidSignature, "InvalidSignature")
	}

	raw, err := gzipDecompress(gz)
	if err != nil {
		return Payload{}, utils.New(utils.KindInvalidInput, "InvalidPayload")
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, utils.New(utils.KindInvalidInput, "InvalidPayload")
	}
	if p.Kind == "" {
		p.Kind = kind
	}
	return p, nil
}

// --- Legacy short codes (spec §6) ---
//
// Wire layout: ipv4[4] | port_le[2] | counter_le[8] | hmac4, base-36 encoded
// as a single big-endian integer. This offers only ~16 bits of forgery
// resistance (see DESIGN.md's Open Question decision); it remains accepted,
// not retired.

const legacyWireLen = 4 + 2 + 8 + 4

// EncodeLegacy packs the backward-compatible short invite code.
func EncodeLegacy(ip net.IP, port uint16, counter uint64, groupKey []byte) (string, error) {
	v4 := ip.To4()
	if v4 == nil {
		return "", utils.New(utils.KindInvalidInput, "legacy codes require an IPv4 address")
	}

	buf := make([]byte, 0, legacyWireLen)
	buf = append(buf, v4...)
	portBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(portBuf, port)
	buf = append(buf, portBuf...)
	counterBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(counterBuf, counter)
	buf = append(buf, counterBuf...)

	tag := identity.MAC(groupKey, buf, 4)
	buf = append(buf, tag...)

	n := new(big.Int).SetBytes(buf)
	return strings.ToUpper(n.Text(36)), nil
}

// LegacyInvite is the decoded content of a legacy short code.
type LegacyInvite struct {
	IP      net.IP
	Port    uint16
	Counter uint64
}

// DecodeLegacy reverses EncodeLegacy, verifying the truncated MAC.
func DecodeLegacy(code string, groupKey []byte) (LegacyInvite, error) {
	n, ok := new(big.Int).SetString(strings.ToLower(code), 36)
	if !ok {
		return LegacyInvite{}, utils.New(utils.KindInvalidInput, "InvalidFormat")
	}
	buf := n.Bytes()
	if len(buf) < legacyWireLen {
		// big.Int strips leading zero bytes; pad back out.
		padded := make([]byte, legacyWireLen)
		copy(padded[legacyWireLen-len(buf):], buf)
		buf = padded
	}
	if len(buf) != legacyWireLen {
		return LegacyInvite{}, utils.New(utils.KindInvalidInput, "InvalidFormat")
	}

	payload, tag := buf[:legacyWireLen-4], buf[legacyWireLen-4:]
	if !identity.VerifyMAC(groupKey, payload, tag) {
		return LegacyInvite{}, utils.New(utils.KindInvalidSignature, "InvalidSignature")
	}

	ip := net.IPv4(payload[0], payload[1], payload[2], payload[3])
	port := binary.LittleEndian.Uint16(payload[4:6])
	counter := binary.LittleEndian.Uint64(payload[6:14])
	return LegacyInvite{IP: ip, Port: port, Counter: counter}, nil
}

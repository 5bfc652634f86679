package exchange

import (
	"crypto/rand"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// idByteLength is the 128-bit width mandated by §3/§6 for exchange and
// local-workflow identifiers.
const idByteLength = 16

// NewLocalID mints a fresh 128-bit random value, wraps it in an identity
// multihash (so the encoded form self-describes as a multihash the way
// did:key identifiers do — grounded on internal/did's multibase/base58
// handling, but using the real multiformats libraries directly rather than
// the teacher's hand-rolled encoder) and multibase-encodes it base58btc.
func NewLocalID() (string, error) {
	raw := make([]byte, idByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("exchange: generate random id: %w", err)
	}
	return EncodeLocalID(raw)
}

// EncodeLocalID encodes raw 128-bit id material into the canonical
// base58/multibase/multihash string form.
func EncodeLocalID(raw []byte) (string, error) {
	if len(raw) != idByteLength {
		return "", fmt.Errorf("exchange: id material must be %d bytes, got %d", idByteLength, len(raw))
	}
	mh, err := multihash.Encode(raw, multihash.IDENTITY)
	if err != nil {
		return "", fmt.Errorf("exchange: encode multihash: %w", err)
	}
	encoded, err := multibase.Encode(multibase.Base58BTC, mh)
	if err != nil {
		return "", fmt.Errorf("exchange: encode multibase: %w", err)
	}
	return encoded, nil
}

// DecodeLocalID reverses NewLocalID/EncodeLocalID, validating that the
// decoded value really is a 128-bit identity multihash.
func DecodeLocalID(id string) ([]byte, error) {
	_, data, err := multibase.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("exchange: invalid multibase id %q: %w", id, err)
	}
	decoded, err := multihash.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("exchange: invalid multihash id %q: %w", id, err)
	}
	if decoded.Code != multihash.IDENTITY {
		return nil, fmt.Errorf("exchange: id %q is not an identity multihash", id)
	}
	if len(decoded.Digest) != idByteLength {
		return nil, fmt.Errorf("exchange: id %q is not %d bytes", id, idByteLength)
	}
	return decoded.Digest, nil
}

// IsValidLocalID reports whether id parses as a well-formed local id.
func IsValidLocalID(id string) bool {
	_, err := DecodeLocalID(id)
	return err == nil
}

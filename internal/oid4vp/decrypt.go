package oid4vp

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/trustfabric/exchange-engine/internal/exchange"
)

// ResponseDecrypter decrypts an encrypted OID4VP authorization response
// (§4.9.1: ECDH-ES / A256GCM JWE).
type ResponseDecrypter interface {
	Decrypt(token string, keyPairJWK exchange.JSON) (exchange.JSON, error)
}

// JWXDecrypter is the production ResponseDecrypter, backed by jwx/v2.
type JWXDecrypter struct{}

// Decrypt implements ResponseDecrypter using the exchange's key-agreement
// private key passed in as keyPairJWK.
func (JWXDecrypter) Decrypt(token string, keyPairJWK exchange.JSON) (exchange.JSON, error) {
	raw, err := json.Marshal(keyPairJWK)
	if err != nil {
		return nil, fmt.Errorf("oid4vp: marshal key-agreement jwk: %w", err)
	}
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("oid4vp: parse key-agreement jwk: %w", err)
	}

	plaintext, err := jwe.Decrypt([]byte(token), jwe.WithKey(jwa.ECDH_ES_A256KW, key))
	if err != nil {
		plaintext, err = jwe.Decrypt([]byte(token), jwe.WithKey(jwa.ECDH_ES, key))
		if err != nil {
			return nil, fmt.Errorf("oid4vp: decrypt authorization response: %w", err)
		}
	}

	var out exchange.JSON
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("oid4vp: unmarshal decrypted authorization response: %w", err)
	}
	return out, nil
}

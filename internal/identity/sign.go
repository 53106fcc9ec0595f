package identity

import (
	"crypto/ed25519"
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

// signingMethodEdDSA adapts golang-jwt/jwt/v4 (whose built-in methods
// cover RSA/HMAC/ECDSA but not ed25519 directly) to the ed25519 keys
// this worker uses for its did:key identity. This follows the same
// "implement jwt.SigningMethod yourself" shape the teacher's handlers
// use for its RSA-based access-control tokens, just with a different
// curve.
type signingMethodEdDSA struct{}

const signingMethodName = "EdDSA"

var SigningMethodEdDSA = &signingMethodEdDSA{}

func init() {
	jwt.RegisterSigningMethod(signingMethodName, func() jwt.SigningMethod {
		return SigningMethodEdDSA
	})
}

func (m *signingMethodEdDSA) Alg() string { return signingMethodName }

func (m *signingMethodEdDSA) Verify(signingString, signature string, key interface{}) error {
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	sig, err := jwt.DecodeSegment(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

func (m *signingMethodEdDSA) Sign(signingString string, key interface{}) (string, error) {
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return "", jwt.ErrInvalidKeyType
	}
	sig := ed25519.Sign(priv, []byte(signingString))
	return jwt.EncodeSegment(sig), nil
}

// Sign produces a compact JWS over payload, the envelope shape the
// Gateway expects as {"jws": "<compact>"} (spec.md §6). The payload is
// carried as the token's claims map so any JSON-marshalable struct can
// be signed by round-tripping it through map[string]interface{}.
func (id *Identity) Sign(payload map[string]interface{}) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["iss"] = id.DID()

	token := jwt.NewWithClaims(SigningMethodEdDSA, claims)
	return token.SignedString(id.privateKey)
}

// Verify checks a compact JWS against pub and returns the decoded claims.
func Verify(compactJWS string, pub ed25519.PublicKey) (map[string]interface{}, error) {
	token, err := jwt.Parse(compactJWS, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != signingMethodName {
			return nil, errors.New("unexpected signing method")
		}
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

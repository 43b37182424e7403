package security

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"
)

var (
	// ErrBadSignerCert is returned when the signer certificate cannot be
	// parsed or carries a non-ECDSA key.
	ErrBadSignerCert = errors.New("security: bad signer certificate")

	// ErrUntrustedSigner is returned when the signer certificate does not
	// chain to the configured trust anchor.
	ErrUntrustedSigner = errors.New("security: signer not trusted")

	// ErrBadToken is returned when the token is not a valid COSE_Sign1
	// message or its signature does not verify.
	ErrBadToken = errors.New("security: bad commissioner token")
)

// TokenClaims are the CWT claims of a commissioner token the
// commissioner cares about.
type TokenClaims struct {
	Issuer   string `cbor:"1,keyasint,omitempty"`
	Subject  string `cbor:"2,keyasint,omitempty"`
	Audience string `cbor:"3,keyasint,omitempty"`
}

// Token is a verified COM_TOK: the raw COSE_Sign1 blob attached to CCM
// petitions, plus its decoded claims.
type Token struct {
	Raw    []byte
	Claims TokenClaims
}

// VerifyToken checks signedToken against the signer certificate and, when
// a trust anchor pool is given, the signer certificate against it.
// Returns the parsed token on success.
func VerifyToken(signedToken, signerCertPEM []byte, trustAnchors *x509.CertPool) (*Token, error) {
	cert, err := parseCert(signerCertPEM)
	if err != nil {
		return nil, err
	}

	if trustAnchors != nil {
		if _, err := cert.Verify(x509.VerifyOptions{Roots: trustAnchors}); err != nil {
			return nil, ErrUntrustedSigner
		}
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ErrBadSignerCert
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(signedToken); err != nil {
		return nil, ErrBadToken
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return nil, ErrBadSignerCert
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, ErrBadToken
	}

	token := &Token{Raw: append([]byte(nil), signedToken...)}
	if len(msg.Payload) > 0 {
		// Claims are advisory; a token with an opaque payload still
		// verifies.
		_ = cbor.Unmarshal(msg.Payload, &token.Claims)
	}
	return token, nil
}

// parseCert accepts a PEM certificate (or raw DER as a fallback).
func parseCert(data []byte) (*x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, ErrBadSignerCert
	}
	return cert, nil
}

package tlssock

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/foxxorcat/nbsock/netstack"
)

// pemPreamble 足以区分 PEM 与 DER：所有 PEM 块都以它开头。
var pemPreamble = []byte("-----BEGIN ")

func looksLikePEM(data []byte) bool {
	return len(data) >= len(pemPreamble) && string(data[:len(pemPreamble)]) == string(pemPreamble)
}

// parseCertificates accepts one or more certificates in DER or PEM form.
// PEM input must consist entirely of well-terminated CERTIFICATE blocks: a
// missing end marker or trailing garbage is rejected rather than silently
// truncating the chain.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if len(data) == 0 {
		return nil, netstack.ErrParameter
	}
	if !looksLikePEM(data) {
		certs, err := x509.ParseCertificates(data)
		if err != nil || len(certs) == 0 {
			return nil, netstack.ErrParameter
		}
		return certs, nil
	}

	var certs []*x509.Certificate
	rest := data
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			if len(certs) == 0 || len(trimSpace(rest)) > 0 {
				return nil, netstack.ErrParameter
			}
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, netstack.ErrParameter
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, netstack.ErrParameter
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, netstack.ErrParameter
	}
	return certs, nil
}

// parsePrivateKey accepts a private key in DER or PEM form, trying PKCS#8,
// PKCS#1 and SEC 1 encodings in that order.
func parsePrivateKey(data []byte) (crypto.Signer, error) {
	if len(data) == 0 {
		return nil, netstack.ErrParameter
	}
	der := data
	if looksLikePEM(data) {
		block, rest := pem.Decode(data)
		if block == nil || len(trimSpace(rest)) > 0 {
			return nil, netstack.ErrParameter
		}
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, netstack.ErrParameter
		}
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, netstack.ErrParameter
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\n' || b[0] == '\r' || b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}

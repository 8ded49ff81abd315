package tlsutil

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// KeyPair bundles a parsed certificate chain with its matched private key.
type KeyPair struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	CertPEM     []byte
	KeyPEM      []byte
}

// LoadKeyPair reads certificate and key PEM files and validates that they
// belong together. Both paths may point at the same combined PEM file.
func LoadKeyPair(certPath, keyPath string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM := certPEM
	if keyPath != certPath {
		keyPEM, err = os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
	}
	return ParseKeyPair(certPEM, keyPEM)
}

// ParseKeyPair builds a KeyPair from PEM bytes, rejecting pairs whose public
// keys do not match before the pair can ever reach a handshake.
func ParseKeyPair(certPEM, keyPEM []byte) (*KeyPair, error) {
	chainPEM, leaf, err := certificatesFromPEM(certPEM)
	if err != nil {
		return nil, err
	}
	signer, signerPEM, err := firstPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	if !publicKeysEqual(leaf.PublicKey, signer.Public()) {
		return nil, errors.New("keypair: private key does not match certificate")
	}
	cert, err := tls.X509KeyPair(chainPEM, signerPEM)
	if err != nil {
		return nil, fmt.Errorf("keypair: build key pair: %w", err)
	}
	cert.Leaf = leaf
	return &KeyPair{
		Certificate: cert,
		Leaf:        leaf,
		CertPEM:     chainPEM,
		KeyPEM:      signerPEM,
	}, nil
}

// CertPoolFromPEM builds an x509.CertPool from all certificates in pemBytes.
func CertPoolFromPEM(pemBytes []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("certpool: no certificates found")
	}
	return pool, nil
}

// FirstCertificateFromPEM returns the first certificate contained in pemBytes.
func FirstCertificateFromPEM(pemBytes []byte) (*x509.Certificate, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
	return nil, errors.New("no certificate found")
}

func certificatesFromPEM(pemBytes []byte) ([]byte, *x509.Certificate, error) {
	var chain []byte
	var leaf *x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, nil, fmt.Errorf("keypair: parse certificate: %w", err)
		}
		if leaf == nil && !cert.IsCA {
			leaf = cert
		}
		chain = append(chain, pem.EncodeToMemory(block)...)
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("keypair: no certificate found")
	}
	if leaf == nil {
		// Self-signed CA used directly as a server identity.
		cert, err := FirstCertificateFromPEM(chain)
		if err != nil {
			return nil, nil, err
		}
		leaf = cert
	}
	return chain, leaf, nil
}

func firstPrivateKeyFromPEM(pemBytes []byte) (crypto.Signer, []byte, error) {
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return nil, nil, fmt.Errorf("keypair: parse private key: %w", err)
			}
			return signer, pem.EncodeToMemory(block), nil
		}
	}
	return nil, nil, errors.New("keypair: no private key found")
}

func parsePrivateKey(block *pem.Block) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
			return k, nil
		}
		return nil, err
	}
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case ed25519.PublicKey:
		bk, ok := b.(ed25519.PublicKey)
		return ok && bytes.Equal(ak, bk)
	case *rsa.PublicKey:
		bk, ok := b.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return ak.E == bk.E && ak.N.Cmp(bk.N) == 0
	case *ecdsa.PublicKey:
		bk, ok := b.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ak.Curve == bk.Curve && ak.X.Cmp(bk.X) == 0 && ak.Y.Cmp(bk.Y) == 0
	default:
		return false
	}
}

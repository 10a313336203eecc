// Package sessionauth owns the controller's RSA keypair and the
// session-validation logic Newt calls out-of-band for SSO-protected
// resources.
package sessionauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	privateKeyFile = "jwt_private.pem"
	publicKeyFile  = "jwt_public.pem"
	rsaKeyBits     = 2048
)

// Keypair is the process-wide RSA keypair used to sign/verify session
// JWTs. It is written once under an initialization barrier (LoadOrCreate)
// and read lock-free thereafter via PrivatePEM/PublicPEM.
type Keypair struct {
	once       sync.Once
	privatePEM []byte
	publicPEM  []byte
	key        *rsa.PrivateKey
}

// LoadOrCreate ensures jwt_private.pem and jwt_public.pem exist under
// dir, generating a fresh RSA-2048 keypair if either is missing, and
// caches both PEMs in memory.
func LoadOrCreate(dir string) (*Keypair, error) {
	kp := &Keypair{}
	var err error
	kp.once.Do(func() {
		err = kp.load(dir)
	})
	if err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *Keypair) load(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	privPEM, privErr := os.ReadFile(privPath)
	pubPEM, pubErr := os.ReadFile(pubPath)
	if privErr == nil && pubErr == nil {
		key, err := parsePrivateKeyPEM(privPEM)
		if err != nil {
			return fmt.Errorf("parse existing private key: %w", err)
		}
		kp.privatePEM = privPEM
		kp.publicPEM = pubPEM
		kp.key = key
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal pkcs8 private key: %w", err)
	}
	privOut := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal spki public key: %w", err)
	}
	pubOut := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	if err := os.WriteFile(privPath, privOut, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubOut, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	kp.privatePEM = privOut
	kp.publicPEM = pubOut
	kp.key = key
	return nil
}

func parsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// PublicPEM returns the cached SPKI public-key PEM.
func (kp *Keypair) PublicPEM() string {
	return string(kp.publicPEM)
}

// PrivatePEM returns the cached PKCS#8 private-key PEM.
func (kp *Keypair) PrivatePEM() string {
	return string(kp.privatePEM)
}

// PrivateKey returns the parsed RSA private key for signing.
func (kp *Keypair) PrivateKey() *rsa.PrivateKey {
	return kp.key
}

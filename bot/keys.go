package bot

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"github.com/fedikit/botkit/types"
)

// EnsureKeyPairs returns the bot's key pair set, generating and persisting it
// on first use. The set holds an RSA-2048 pair for draft HTTP signatures and
// an Ed25519 pair for implementations that prefer it; it is written in one
// SetKeyPairs call so a partial set never hits the store.
func (s *Session) EnsureKeyPairs(ctx context.Context) ([]types.KeyPair, error) {
	pairs, err := s.repo.GetKeyPairs(ctx)
	if err != nil {
		return nil, err
	}
	if pairs != nil {
		return pairs, nil
	}

	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	rsaPair, err := keyPairJWK(rsaPriv, rsaPriv.Public())
	if err != nil {
		return nil, err
	}

	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	edPair, err := keyPairJWK(edPriv, edPub)
	if err != nil {
		return nil, err
	}

	pairs = []types.KeyPair{rsaPair, edPair}
	if err := s.repo.SetKeyPairs(ctx, pairs); err != nil {
		return nil, err
	}
	return pairs, nil
}

func keyPairJWK(priv any, pub any) (types.KeyPair, error) {
	privKey, err := jwk.FromRaw(priv)
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "private key to jwk")
	}
	pubKey, err := jwk.FromRaw(pub)
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "public key to jwk")
	}

	privJSON, err := json.Marshal(privKey)
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "marshal private jwk")
	}
	pubJSON, err := json.Marshal(pubKey)
	if err != nil {
		return types.KeyPair{}, errors.Wrap(err, "marshal public jwk")
	}

	return types.KeyPair{
		Private: privJSON,
		Public:  pubJSON,
	}, nil
}

// PublicKeyPEM renders the RSA public key of a key pair set in the PEM form
// actor documents expect.
func PublicKeyPEM(pairs []types.KeyPair) (string, error) {
	for _, pair := range pairs {
		key, err := jwk.ParseKey(pair.Public)
		if err != nil {
			return "", errors.Wrap(err, "parse public jwk")
		}
		if key.KeyType() != jwa.RSA {
			continue
		}

		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return "", errors.Wrap(err, "materialize rsa public key")
		}
		der, err := x509.MarshalPKIXPublicKey(&pub)
		if err != nil {
			return "", errors.Wrap(err, "encode public key")
		}
		block := pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: der,
		})
		return string(block), nil
	}

	return "", errors.New("no rsa key pair in set")
}

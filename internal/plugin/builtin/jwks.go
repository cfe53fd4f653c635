package builtin

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

// jwksCache fetches and caches the RSA public keys published at a JWKS
// endpoint, re-fetching at most once per refreshTTL.
type jwksCache struct {
	uri        string
	httpClient *http.Client

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	refreshTTL  time.Duration
}

func newJWKSCache(uri string, client *http.Client) *jwksCache {
	return &jwksCache{uri: uri, httpClient: client, refreshTTL: 10 * time.Minute}
}

func (c *jwksCache) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	key, err := c.lookup(kid)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (c *jwksCache) lookup(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || time.Since(c.fetchedAt) > c.refreshTTL {
		if err := c.refresh(); err != nil {
			return nil, err
		}
	}
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("oauth2_auth: no JWKS key found for kid %q", kid)
	}
	return key, nil
}

func (c *jwksCache) refresh() error {
	resp, err := c.httpClient.Get(c.uri)
	if err != nil {
		return fmt.Errorf("oauth2_auth: failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("oauth2_auth: failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func rsaPublicKeyFromJWK(nEncoded, eEncoded string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nEncoded)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eEncoded)
	if err != nil {
		return nil, err
	}

	eBuf := make([]byte, 8)
	copy(eBuf[8-len(eBytes):], eBytes)
	e := binary.BigEndian.Uint64(eBuf)

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e),
	}, nil
}

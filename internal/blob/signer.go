package blob

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrExpired      = errors.New("signed url expired")
	ErrBadSignature = errors.New("signed url signature mismatch")
)

// Signer produces and checks HMAC-SHA256 signatures over key and expiry.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner uses secret as the HMAC key. An empty secret gets a random
// per-process key, so URLs do not survive restarts.
func NewSigner(secret string) *Signer {
	k := []byte(secret)
	if len(k) == 0 {
		k = make([]byte, 32)
		_, _ = rand.Read(k)
	}
	return &Signer{key: k, now: time.Now}
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Query returns the expires/sig query parameters for key.
func (s *Signer) Query(key string, expires time.Time) url.Values {
	exp := expires.Unix()
	v := url.Values{}
	v.Set("expires", strconv.FormatInt(exp, 10))
	v.Set("sig", s.sign(key, exp))
	return v
}

// Verify checks the query parameters for key.
func (s *Signer) Verify(key string, q url.Values) error {
	exp, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(q.Get("sig"))) {
		return ErrBadSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	secretBytes = 20
	digits      = 6
	period      = 30
	skew        = 1
	qrSize      = 256
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Verifier validates RFC 6238 time-based codes. The secret is established
// once at registration and never rotated.
type Verifier struct {
	Issuer string
}

func (v *Verifier) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

func (v *Verifier) ProvisioningURI(secret, account string) string {
	label := url.PathEscape(v.Issuer + ":" + account)

	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", v.Issuer)

	return "otpauth://totp/" + label + "?" + q.Encode()
}

// EnrollmentQR renders the provisioning URI as a base64-encoded PNG.
func (v *Verifier) EnrollmentQR(uri string) (string, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// Check accepts the current 30 second step plus one step of clock skew in
// either direction.
func (v *Verifier) Check(secret, code string) bool {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != digits || !isNumeric(trimmed) {
		return false
	}

	now := time.Now()
	for step := -skew; step <= skew; step++ {
		generated, err := codeAt(secret, now.Add(time.Duration(step*period)*time.Second))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true
		}
	}
	return false
}

// CodeAt returns the code valid at t for the given base32 secret.
func CodeAt(secret string, t time.Time) (string, error) {
	return codeAt(secret, t)
}

func codeAt(secret string, t time.Time) (string, error) {
	key, err := b32.DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return "", errors.New("invalid totp secret")
	}
	if len(key) == 0 {
		return "", errors.New("empty totp secret")
	}

	counter := t.Unix() / period

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

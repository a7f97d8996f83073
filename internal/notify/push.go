package notify

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/hkdf"
)

// PushSubscription represents a browser push subscription.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushSender sends Web Push notifications using VAPID authentication.
type PushSender struct {
	vapidPrivate *ecdsa.PrivateKey
	vapidPublic  []byte // uncompressed P-256 public key
	subject      string // mailto: or https: contact, carried in the VAPID JWT
	client       *http.Client
}

// GenerateVAPIDKeys creates a new ECDSA P-256 key pair and returns
// the public and private keys as base64url-encoded strings. The public
// key is the uncompressed point; the private key is the raw 32-byte
// scalar, both as the Push API expects them.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("notify.GenerateVAPIDKeys: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	privBytes := priv.D.FillBytes(make([]byte, 32))

	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(privBytes)
	return publicKey, privateKey, nil
}

// NewPushSender creates a PushSender from base64url-encoded VAPID keys.
func NewPushSender(publicKeyB64, privateKeyB64, subject string) (*PushSender, error) {
	pubBytes, err := base64.RawURLEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("notify.NewPushSender: invalid public key: %w", err)
	}

	privBytes, err := base64.RawURLEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("notify.NewPushSender: invalid private key: %w", err)
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pubBytes)
	if x == nil {
		return nil, fmt.Errorf("notify.NewPushSender: invalid public key point")
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(privBytes),
	}

	return &PushSender{
		vapidPrivate: priv,
		vapidPublic:  pubBytes,
		subject:      subject,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: &http.Transport{MaxIdleConns: 1, MaxIdleConnsPerHost: 1},
		},
	}, nil
}

// Send encrypts and sends a push notification to a subscription endpoint.
func (p *PushSender) Send(sub PushSubscription, title, body string) error {
	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
	})
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: marshal payload: %w", err)
	}

	clientPubBytes, err := base64.RawURLEncoding.DecodeString(sub.Keys.P256dh)
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: decode p256dh: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(sub.Keys.Auth)
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: decode auth: %w", err)
	}

	encrypted, err := encryptPayload(payload, clientPubBytes, authSecret)
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: encrypt: %w", err)
	}

	jwt, err := p.vapidJWT(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: VAPID JWT: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(encrypted))
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("vapid t=%s, k=%s",
		jwt, base64.RawURLEncoding.EncodeToString(p.vapidPublic)))
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", "86400")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify.PushSender.Send: HTTP POST: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify.PushSender.Send: push service returned %d", resp.StatusCode)
	}

	return nil
}

// encryptPayload implements RFC 8291 (Message Encryption for Web Push)
// with the aes128gcm content encoding.
func encryptPayload(payload, clientPubBytes, authSecret []byte) ([]byte, error) {
	ephPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ephPub := ephPriv.PublicKey().Bytes()

	clientPub, err := ecdh.P256().NewPublicKey(clientPubBytes)
	if err != nil {
		return nil, fmt.Errorf("import client public key: %w", err)
	}

	sharedSecret, err := ephPriv.ECDH(clientPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	// RFC 8291 section 3.4: IKM from the auth secret and ECDH output,
	// bound to both public keys.
	var infoIKM bytes.Buffer
	infoIKM.WriteString("WebPush: info")
	infoIKM.WriteByte(0x00)
	infoIKM.Write(clientPubBytes)
	infoIKM.Write(ephPub)
	ikm, err := hkdfDerive(authSecret, sharedSecret, infoIKM.Bytes(), 32)
	if err != nil {
		return nil, fmt.Errorf("derive IKM: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	cek, err := hkdfDerive(salt, ikm, []byte("Content-Encoding: aes128gcm\x00"), 16)
	if err != nil {
		return nil, fmt.Errorf("derive CEK: %w", err)
	}
	nonce, err := hkdfDerive(salt, ikm, []byte("Content-Encoding: nonce\x00"), 12)
	if err != nil {
		return nil, fmt.Errorf("derive nonce: %w", err)
	}

	// Single record, 0x02 delimiter marks it as the last (RFC 8188).
	padded := append(payload, 0x02)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, padded, nil)

	// aes128gcm body: salt (16) || record size (4) || keyid len (1) || keyid || ciphertext
	var out bytes.Buffer
	out.Write(salt)
	binary.Write(&out, binary.BigEndian, uint32(len(ciphertext)+16+4+1+len(ephPub)))
	out.WriteByte(byte(len(ephPub)))
	out.Write(ephPub)
	out.Write(ciphertext)
	return out.Bytes(), nil
}

// hkdfDerive performs HKDF-SHA256 extract and expand.
func hkdfDerive(salt, ikm, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// vapidJWT builds the short-lived ES256 token RFC 8292 requires, with
// the push service origin as audience and the sender's contact subject.
func (p *PushSender) vapidJWT(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"typ":"JWT","alg":"ES256"}`))
	claims, err := json.Marshal(map[string]any{
		"aud": u.Scheme + "://" + u.Host,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"sub": p.subject,
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(claims)
	hash := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, p.vapidPrivate, hash[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

package wallet

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

const (
	Statement = "Please Sign In to verify wallet"
	// MaxValidity 限制签名消息的最长有效期。
	MaxValidity = 10 * time.Minute
)

var (
	ErrExpired          = errors.New("sign-in message expired")
	ErrTooFarAhead      = errors.New("sign-in message expiry too far ahead")
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid wallet signature")
)

// SignIn 是钱包签名登录请求，ExpirationTime 为毫秒时间戳。
type SignIn struct {
	Address        string
	Domain         string
	ExpirationTime int64
	Signature      string
}

// Message 构造客户端需要签名的原文。
func Message(domain string, exp time.Time) string {
	return fmt.Sprintf("%s\n\n%s\n\nExpires on %s", Statement, domain, exp.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

type Verifier struct {
	now func() time.Time
}

func NewVerifier() *Verifier { return &Verifier{now: time.Now} }

// Verify 校验过期时间，再用 base58 解码的 ed25519 公钥验证签名。
func (v *Verifier) Verify(in SignIn) error {
	exp := time.UnixMilli(in.ExpirationTime)
	now := v.now()
	if !exp.After(now) {
		return ErrExpired
	}
	if exp.Sub(now) > MaxValidity {
		return ErrTooFarAhead
	}
	pub, err := base58.Decode(in.Address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrInvalidAddress
	}
	sig, err := base58.Decode(in.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(Message(in.Domain, exp)), sig) {
		return ErrInvalidSignature
	}
	return nil
}

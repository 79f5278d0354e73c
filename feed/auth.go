package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Credentials 认证频道所需的 API 凭证，secret 为 base64 编码。
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// subscribeRequest 订阅握手消息；认证频道附带签名块。
type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	Signature  string   `json:"signature,omitempty"`
	Key        string   `json:"key,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// sign 计算 HMAC-SHA256(timestamp + "GET" + "/users/self/verify")，
// 与 REST 鉴权使用同一条 canonical string。
func (c Credentials) sign(now time.Time) (signature, timestamp string, err error) {
	key, err := base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return "", "", fmt.Errorf("decode secret: %w", err)
	}
	timestamp = strconv.FormatFloat(float64(now.UnixNano())/1e9, 'f', 3, 64)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + "GET" + "/users/self/verify"))
	signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return signature, timestamp, nil
}

// newSubscribeRequest 构造订阅消息；creds 为 nil 时走公共频道。
func newSubscribeRequest(products, channels []string, creds *Credentials, now time.Time) (subscribeRequest, error) {
	req := subscribeRequest{
		Type:       "subscribe",
		ProductIDs: products,
		Channels:   channels,
	}
	if creds == nil {
		return req, nil
	}
	sig, ts, err := creds.sign(now)
	if err != nil {
		return req, err
	}
	req.Signature = sig
	req.Key = creds.Key
	req.Passphrase = creds.Passphrase
	req.Timestamp = ts
	return req, nil
}

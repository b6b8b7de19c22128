package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Signer implements the CB-ACCESS authentication scheme: a base64 HMAC-SHA256
// over timestamp + method + path + body, keyed with the base64-decoded
// secret.
type Signer struct {
	key        string
	secret     string
	passphrase string
}

// SignRequest adds the authentication headers in place.
func (s *Signer) SignRequest(req *http.Request) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("read request body for signing: %w", err)
		}
		body, err = io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read request body for signing: %w", err)
		}
	}

	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	secret, err := base64.StdEncoding.DecodeString(s.secret)
	if err != nil {
		return fmt.Errorf("decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + req.Method + path))
	mac.Write(body)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("CB-ACCESS-KEY", s.key)
	req.Header.Set("CB-ACCESS-SIGN", signature)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("CB-ACCESS-PASSPHRASE", s.passphrase)
	return nil
}

package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"strconv"
)

// sign computes Kraken's API-Sign header:
// HMAC-SHA512(path + SHA256(nonce + postdata), base64-decoded secret),
// base64 encoded. The secret never appears in errors or logs.
func sign(path, postdata string, nonce int64, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("secret is not valid base64")
	}

	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postdata))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

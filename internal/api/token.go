package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const playbackTokenTTL = time.Hour

// Unit separator keeps the payload unambiguous; colons appear in
// User-Agent strings.
const tokenDelimiter = "\x1f"

// GeneratePlaybackToken signs a short-lived token binding the video id to
// the requesting client. The player page sets it as a cookie; the HLS proxy
// verifies it per segment request.
func GeneratePlaybackToken(videoID, secret, ip, userAgent string, now time.Time) string {
	expiration := now.Add(playbackTokenTTL).Unix()
	signature := signPlayback(videoID, secret, ip, userAgent, expiration)
	return fmt.Sprintf("%d:%s", expiration, signature)
}

// VerifyPlaybackToken checks signature and expiry in constant time.
func VerifyPlaybackToken(videoID, token, secret, ip, userAgent string, now time.Time) bool {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return false
	}
	expiration, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return false
	}
	if now.Unix() > expiration {
		return false
	}
	expected := signPlayback(videoID, secret, ip, userAgent, expiration)
	provided, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(expectedBytes, provided)
}

func signPlayback(videoID, secret, ip, userAgent string, expiration int64) string {
	payload := strings.Join([]string{videoID, strconv.FormatInt(expiration, 10), ip, userAgent}, tokenDelimiter)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

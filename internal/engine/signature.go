package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
)

// SignPayload returns the X-Webhook-Signature value for body, or "" without a secret.
func SignPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	expected := SignPayload(body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyIP reports whether remoteIP is allowed. An empty allow-list allows every
// address; entries are single addresses or CIDR ranges.
func VerifyIP(remoteIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(remoteIP))
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err == nil && network.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}

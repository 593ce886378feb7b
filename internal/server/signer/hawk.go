package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// hawkHeader computes a Hawk (sha256) Authorization header for req.
func hawkHeader(req *http.Request, id, secret, contentType string, payload []byte, now time.Time, nonce string) string {
	host, port := hawkHostPort(req)
	ts := strconv.FormatInt(now.Unix(), 10)
	hash := hawkPayloadHash(contentType, payload)

	resource := req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		resource += "?" + req.URL.RawQuery
	}

	normalized := strings.Join([]string{
		"hawk.1.header",
		ts,
		nonce,
		strings.ToUpper(req.Method),
		resource,
		strings.ToLower(host),
		port,
		hash,
		"",
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(normalized))

	return fmt.Sprintf(`Hawk id="%s", ts="%s", nonce="%s", hash="%s", mac="%s"`,
		id, ts, nonce, hash, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
}

func hawkPayloadHash(contentType string, payload []byte) string {
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	h := sha256.New()
	h.Write([]byte("hawk.1.payload\n"))
	h.Write([]byte(strings.ToLower(strings.TrimSpace(contentType))))
	h.Write([]byte("\n"))
	h.Write(payload)
	h.Write([]byte("\n"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func hawkHostPort(req *http.Request) (string, string) {
	host := req.URL.Host
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	if req.URL.Scheme == "https" {
		return host, "443"
	}
	return host, "80"
}

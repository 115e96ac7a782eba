package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/config"
)

// Request signing headers.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Sign returns the hex HMAC-SHA256 of "key|timestamp" under secret.
func Sign(secret, key, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(key + "|" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacAuthMiddleware(cfg config.AuthConfig, clock catalog.Clock) func(http.Handler) http.Handler {
	maxSkew := cfg.MaxSkew()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
			signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
			timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
			if key == "" || signature == "" || timestamp == "" {
				writeError(w, http.StatusBadRequest, "missing authentication headers")
				return
			}
			if !hmac.Equal([]byte(key), []byte(cfg.APIKey)) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			ts, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid timestamp")
				return
			}
			skew := clock.Now().Sub(time.Unix(ts, 0))
			if skew < 0 {
				skew = -skew
			}
			if skew > maxSkew {
				writeError(w, http.StatusForbidden, "request expired")
				return
			}
			expected := Sign(cfg.APISecret, key, timestamp)
			if !hmac.Equal([]byte(signature), []byte(expected)) {
				writeError(w, http.StatusForbidden, "invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

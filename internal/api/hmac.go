package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// signatureHeader carries the HMAC-SHA256 of the nudge request body.
const signatureHeader = "X-Groundwork-Signature"

// maxNudgeBody bounds the nudge request body. The body is opaque to the
// server; only its signature matters.
const maxNudgeBody = 4096

// handleNudge handles POST /nudge. Automation signs the request body
// with the shared secret instead of carrying the operator token.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	if s.config.NudgeSecret == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNudgeBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if err := verifySignature(body, r.Header.Get(signatureHeader), s.config.NudgeSecret); err != nil {
		s.logger.Warn("nudge signature rejected", "remote", r.RemoteAddr)
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	woken := false
	if s.Waker != nil {
		s.Waker.Nudge()
		woken = true
	}
	respondJSON(w, http.StatusAccepted, NudgeResponse{Woken: woken})
}

// verifySignature checks an HMAC-SHA256 signature against the request
// body using constant-time comparison. It accepts "sha256=<hex>" and
// plain hex. All errors are generic to prevent information leakage.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}

	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// parseSignature decodes the signature header, stripping the GitHub
// style "sha256=" prefix when present.
func parseSignature(signature string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(signature, "sha256="); ok {
		return hex.DecodeString(rest)
	}
	return hex.DecodeString(signature)
}

// computeSignature returns the hex HMAC-SHA256 of body under secret.
func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

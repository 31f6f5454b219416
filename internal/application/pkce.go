package application

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

// PKCEMethodS256 is the only code_challenge_method accepted
const PKCEMethodS256 = "S256"

var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// validatePKCE checks an RFC 7636 S256 code verifier against its challenge
func validatePKCE(codeVerifier, codeChallenge, codeChallengeMethod string) bool {
	if codeChallengeMethod != PKCEMethodS256 {
		return false
	}
	if !verifierPattern.MatchString(codeVerifier) {
		return false
	}
	hash := sha256.Sum256([]byte(codeVerifier))
	expected := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(codeChallenge)) == 1
}

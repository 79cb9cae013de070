// ABOUTME: Admin credential verification supporting bcrypt digests and literal values
// ABOUTME: The configured password is a bcrypt hash when it carries a bcrypt prefix

package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifyPassword checks a presented password against the configured value.
// A configured value with a bcrypt prefix ($2a$, $2b$, $2y$) is treated as a
// digest; anything else is compared verbatim in constant time.
func VerifyPassword(configured, presented string) bool {
	if isBcryptDigest(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// VerifyCredentials checks a presented login and password against the
// configured admin credentials. Both comparisons always run so a wrong
// username costs the same as a wrong password.
func VerifyCredentials(configuredUser, configuredPass, login, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(configuredUser), []byte(login)) == 1
	passOK := VerifyPassword(configuredPass, password)
	return userOK && passOK
}

func isBcryptDigest(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}

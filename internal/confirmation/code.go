package confirmation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

// codeDigits is the confirmation code length. Six digits keeps codes
// speakable over a voice call and typable on a feature phone.
const codeDigits = 6

// GenerateCode returns a random six-digit numeric confirmation code.
func GenerateCode() (string, error) {
	max := big.NewInt(1000000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate confirmation code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// HashCode returns the hex SHA-256 digest stored in place of the plaintext.
func HashCode(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}

// codeMatches compares a presented code against a stored hash in constant
// time. Comparing digests rather than plaintexts keeps the comparison
// length-independent of the presented input.
func codeMatches(presented, storedHash string) bool {
	presentedHash := HashCode(presented)
	return hmac.Equal([]byte(presentedHash), []byte(storedHash))
}

package utils

import "golang.org/x/crypto/bcrypt"

// HashSecret is used to produce PUBSUB_PUSH_TOKEN_HASH values for deployment config.
func HashSecret(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func CompareSecret(hashed string, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
}

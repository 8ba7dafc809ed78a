package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim is what the session provider signs: who the actor is and which tenant they act for.
type JwtCustomClaim struct {
	ActorId     string `json:"actor_id"`
	ActorName   string `json:"actor_name"`
	TenantId    string `json:"tenant_id"`
	Role        string `json:"role"`
	SuperTenant bool   `json:"super_tenant"`
	jwt.StandardClaims
}

func JwtGenerate(secret []byte, claim JwtCustomClaim, lifespan time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claim.StandardClaims.IssuedAt = now.Unix()
	claim.StandardClaims.ExpiresAt = now.Add(lifespan).Unix()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &claim)
	return t.SignedString(secret)
}

func JwtValidate(secret []byte, token string) (*JwtCustomClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*JwtCustomClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claim, nil
}

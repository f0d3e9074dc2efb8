package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// GenerateAdminJWT creates a short-lived management-session token.
func GenerateAdminJWT(role Role, secret []byte) (string, int64, error) {
	expirationTime := time.Now().Add(15 * time.Minute).Unix()
	claims := jwt.MapClaims{
		"sub":  "admin",
		"role": role.String(),
		"exp":  expirationTime,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", 0, err
	}
	return signedToken, expirationTime, nil
}

// ValidateAdminJWT verifies a management-session token and returns its role.
func ValidateAdminJWT(tokenString string, secret []byte) (Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !role.IsValid() {
		return "", errors.New("invalid role claim")
	}
	return role, nil
}

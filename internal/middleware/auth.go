// Package middleware содержит HTTP middleware SMM-панели.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
)

// AuthMiddleware выполняет проверку статического административного токена
// в заголовке Authorization.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным токеном.
// Пустой токен заменяется случайным: API остаётся закрытым, пока оператор
// не задаст токен явно.
func NewAuthMiddleware(token string) *AuthMiddleware {
	key := []byte(token)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = []byte(hex.EncodeToString(randomKey))
		} else {
			key = []byte("smmpanel-locked")
		}
	}

	return &AuthMiddleware{
		token: key,
	}
}

// Middleware проверяет заголовок Authorization: Bearer и отклоняет запросы
// с отсутствующим или неверным токеном.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !hmac.Equal([]byte(token), a.token) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

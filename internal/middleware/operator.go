package middleware

import (
	"crypto/subtle"
	"net/http"
)

const operatorTokenHeader = "X-Operator-Token"

// Operator возвращает middleware, пропускающее только запросы операторского
// контура адъюдикации. Водительская cookie здесь не действует: решение по
// обращению принимает оператор, а не владелец полиса. При пустом токене
// контур полностью закрыт.
func Operator(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			got := r.Header.Get(operatorTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

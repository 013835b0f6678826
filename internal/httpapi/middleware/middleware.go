// Package middleware provides the HTTP middleware for the serving surface
// of spec §6: request logging, grounded directly on the teacher's
// walletserver/middleware.Logger, and the optional password gate spec §6
// describes ("header x-fyteclub-password or query password; health and
// status exempt; otherwise 401 on mismatch").
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger logs method, path, and duration for every request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.Infof("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

// exemptPaths are never gated, spec §6.
var exemptPaths = map[string]bool{
	"/health":     true,
	"/api/status": true,
}

// PasswordGate rejects any non-exempt request whose x-fyteclub-password
// header or password query parameter doesn't match password. An empty
// password disables the gate entirely.
func PasswordGate(password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" || exemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("x-fyteclub-password")
			if got == "" {
				got = r.URL.Query().Get("password")
			}
			if got != password {
				http.Error(w, "invalid password", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package api

import (
	"fmt"
	"net/http"

	"github.com/npezzotti/pawchat/internal/auth"
	"github.com/npezzotti/pawchat/internal/errs"
)

func (s *PawChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Printf("panic: %v", panicError)
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *PawChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r.Context(), auth.CredentialsFromRequest(r))
		if err != nil {
			if errs.Is(err, errs.Authentication) {
				s.log.Printf("authenticate: %v", err)
			}
			s.writeError(w, err)
			return
		}

		ctx := auth.WithIdentity(r.Context(), identity)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

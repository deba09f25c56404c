package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// BearerToken extracts the token from an Authorization header. It returns
// ok=false when the header is absent and an error when it is malformed.
func BearerToken(r *http.Request) (tok string, ok bool, err error) {
	h := r.Header.Get(authorizationHeader)
	if h == "" {
		return "", false, nil
	}
	scheme, tok, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", true, errors.New("authorization header must use the Bearer scheme")
	}
	return strings.TrimSpace(tok), true, nil
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm, errCode, description string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 3)
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if description != "" {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(description)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func writeChallenge(w http.ResponseWriter, status int, challenge, msg string) {
	w.Header().Set(wwwAuthenticateHeader, challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated principal in the request context.
func Middleware(a Authenticator, realm string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			tok, present, err := BearerToken(r)
			switch {
			case err != nil:
				log.InfoContext(ctx, "auth.header.invalid")
				writeChallenge(w, http.StatusBadRequest, buildBearerChallenge(realm, "invalid_request", "Invalid Authorization header"), err.Error())
				return
			case !present:
				log.InfoContext(ctx, "auth.missing")
				writeChallenge(w, http.StatusUnauthorized, buildBearerChallenge(realm, "", ""), "authentication required")
				return
			}

			ui, err := a.CheckAuthentication(ctx, tok)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) {
					log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
					writeChallenge(w, http.StatusUnauthorized, buildBearerChallenge(realm, "invalid_token", "The access token is invalid"), "invalid token")
					return
				}
				log.ErrorContext(ctx, "auth.error", slog.String("err", err.Error()))
				writeChallenge(w, http.StatusServiceUnavailable, buildBearerChallenge(realm, "", ""), "authentication unavailable")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserInfo(ctx, ui)))
		})
	}
}

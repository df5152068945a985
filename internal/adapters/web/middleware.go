package web

import (
	"net/http"

	"telegram-ingest-fabric/internal/infra/logger"
)

const (
	sessionCookieName = "ingest_fabric_session"
	sessionMaxAge     = 3600
)

// authMiddleware admits a request either via a one-time ?token= (upgraded
// into a session cookie) or via an existing valid session cookie; anything
// else gets the unauthorized page.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("token"); token != "" {
			sessionID, valid := s.auth.ValidateToken(token)
			if !valid {
				logger.Warn("web: invalid auth token attempt")
				http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name: sessionCookieName, Value: sessionID, Path: "/",
				MaxAge: sessionMaxAge, HttpOnly: true, SameSite: http.SameSiteStrictMode,
			})
			s.auth.DeleteCurrentToken()
			http.Redirect(w, r, "/", http.StatusSeeOther)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || !s.auth.ValidateSession(cookie.Value) {
			s.renderUnauthorized(w, r)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name: sessionCookieName, Value: cookie.Value, Path: "/",
			MaxAge: sessionMaxAge, HttpOnly: true, SameSite: http.SameSiteStrictMode,
		})
		next.ServeHTTP(w, r)
	})
}

func (s *Server) renderUnauthorized(w http.ResponseWriter, r *http.Request) {
	logger.Debugf("web: unauthorized access %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	writeResponse(w, []byte(unauthorizedPage))
}

const unauthorizedPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Authentication Required - Telegram Ingest Fabric</title>
    <script src="https://cdn.tailwindcss.com"></script>
</head>
<body class="bg-gray-100">
    <div class="min-h-screen flex items-center justify-center">
        <div class="bg-white rounded-lg shadow-lg p-8 max-w-md w-full text-center">
            <h1 class="mt-4 text-2xl font-bold text-gray-900">Authentication Required</h1>
            <p class="mt-2 text-gray-600">Send <code class="bg-blue-100 px-2 py-1 rounded">/auth</code> to the admin channel to get a one-time link.</p>
        </div>
    </div>
</body>
</html>`

package web

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	sessionName   = "tablebook_session"
	sessionMaxAge = 12 * time.Hour
)

// SessionManager keeps the signed-in staff user id in an encrypted cookie.
type SessionManager struct{ sc *securecookie.SecureCookie }

func NewSessionManager(hashKey, blockKey []byte) *SessionManager {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	return &SessionManager{sc: sc}
}

func (s *SessionManager) SetUserID(w http.ResponseWriter, r *http.Request, userID string) error {
	value := map[string]string{"uid": userID}
	encoded, err := s.sc.Encode(sessionName, value)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
	return nil
}

func (s *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *SessionManager) GetUserID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionName)
	if err != nil {
		return "", false
	}
	value := map[string]string{}
	if err := s.sc.Decode(sessionName, c.Value, &value); err != nil {
		return "", false
	}
	uid := value["uid"]
	if uid == "" {
		return "", false
	}
	return uid, true
}

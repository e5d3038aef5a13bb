package models

import "time"

// SessionCookie is one browser cookie captured after a successful login
type SessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
	SameSite string  `json:"same_site,omitempty"`
	Expires  float64 `json:"expires,omitempty"` // captured for reference, never replayed
}

// SessionCookieJar is the ordered cookie set for one automation account
type SessionCookieJar struct {
	Account    string          `json:"account"`
	Cookies    []SessionCookie `json:"cookies"`
	CapturedAt time.Time       `json:"captured_at"`
}

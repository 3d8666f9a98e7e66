// Package access guards protected frontend routes behind a paid status.
package access

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/canastacr/payments/api/auth"
	"github.com/canastacr/payments/api/services/payments/app"
)

// Redirect targets. They are always reachable.
const (
	LoginPath          = "/login"
	PaymentPath        = "/payment"
	PaymentSuccessPath = "/payment-success"
)

// Authenticator identifies the user of a page request.
type Authenticator interface {
	SessionUserID(r *http.Request) (string, error)
}

// StatusReader reads the entitlement of a user.
type StatusReader interface {
	PaymentStatus(ctx context.Context, userID string) (app.PaymentStatus, error)
}

// Gate lets a request through only when its user has a paid status.
type Gate struct {
	auth   Authenticator
	status StatusReader
	log    *slog.Logger

	openPaths    map[string]bool
	openPrefixes []string
}

// NewGate returns a gate. A nil logger uses slog.Default().
func NewGate(a Authenticator, s StatusReader, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		auth:   a,
		status: s,
		log:    logger,
		openPaths: map[string]bool{
			"/":                true,
			LoginPath:          true,
			PaymentPath:        true,
			PaymentSuccessPath: true,
			"/favicon.ico":     true,
			"/manifest.json":   true,
			"/robots.txt":      true,
		},
		openPrefixes: []string{"/assets/", "/static/", "/locales/"},
	}
}

// IsOpen reports whether path is reachable without a paid status.
func (g *Gate) IsOpen(path string) bool {
	p := strings.TrimSuffix(path, "/")
	if p == "" {
		p = "/"
	}
	if g.openPaths[p] {
		return true
	}
	for _, prefix := range g.openPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Wrap applies the gate to next.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.IsOpen(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		userID, err := g.auth.SessionUserID(r)
		if err != nil {
			redirect(w, r, LoginPath)
			return
		}

		st, err := g.status.PaymentStatus(r.Context(), userID)
		if err != nil {
			// not paid until proven otherwise
			g.log.Warn("payment status unavailable, redirecting to payment", "user_id", userID, "err", err)
			redirect(w, r, PaymentPath)
			return
		}
		if !st.Paid() {
			redirect(w, r, PaymentPath)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func redirect(w http.ResponseWriter, r *http.Request, to string) {
	target := to + "?next=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusFound)
}

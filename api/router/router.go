package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/cors"

	"github.com/canastacr/payments/api/access"
	"github.com/canastacr/payments/api/services/payments/app"
)

// RequestTimeout bounds the work done for a single API request.
const RequestTimeout = 30 * time.Second

// Authenticator identifies the caller of an API request from its bearer token.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// Deps are the collaborators of the HTTP router. Gate and FrontendDir are optional.
type Deps struct {
	Service           app.Service
	Auth              Authenticator
	Gate              *access.Gate
	FrontendDir       string
	CORSAllowedOrigin string
	Logger            *slog.Logger
}

type handlers struct {
	svc      app.Service
	auth     Authenticator
	validate *validator.Validate
	log      *slog.Logger
}

type route struct {
	method  string
	path    string
	handler runtime.HandlerFunc
}

// NewRouter returns the central HTTP router. API routes are plain JSON handlers
// registered on a grpc-gateway ServeMux; everything else is the gated frontend.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := handlers{
		svc:      d.Service,
		auth:     d.Auth,
		validate: newValidator(),
		log:      d.Logger,
	}

	gwmux := runtime.NewServeMux(runtime.WithRoutingErrorHandler(routingErrorHandler))
	routes := []route{
		{http.MethodPost, "/api/stripe-webhook", h.stripeWebhook},
		{http.MethodPost, "/api/cancel-subscription", h.cancelSubscription},
		{http.MethodOptions, "/api/cancel-subscription", preflight},
		{http.MethodPost, "/api/sync-subscription", h.syncSubscription},
		{http.MethodOptions, "/api/sync-subscription", preflight},
		{http.MethodGet, "/api/payment-status", h.paymentStatus},
		{http.MethodOptions, "/api/payment-status", preflight},
		{http.MethodGet, "/healthz", healthz},
	}
	allowed := map[string]bool{}
	for _, rt := range routes {
		mustHandle(gwmux, rt.method, rt.path, rt.handler)
		allowed[rt.method+" "+rt.path] = true
	}
	for _, rt := range routes {
		for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			if !allowed[m+" "+rt.path] {
				allowed[m+" "+rt.path] = true
				mustHandle(gwmux, m, rt.path, methodNotAllowed)
			}
		}
	}

	api := withCORS(d.CORSAllowedOrigin, withTimeout(RequestTimeout, gwmux))

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/healthz", api)
	if d.FrontendDir != "" {
		frontend := spaHandler(d.FrontendDir)
		if d.Gate != nil {
			frontend = d.Gate.Wrap(frontend)
		}
		mux.Handle("/", frontend)
	} else {
		mux.Handle("/", api)
	}
	return mux
}

func mustHandle(mux *runtime.ServeMux, method, path string, h runtime.HandlerFunc) {
	if err := mux.HandlePath(method, path, h); err != nil {
		panic(err)
	}
}

func routingErrorHandler(ctx context.Context, mux *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	writeJSON(w, status, map[string]any{"error": http.StatusText(status)})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "Method not allowed"})
}

func preflight(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	w.WriteHeader(http.StatusOK)
}

func healthz(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func withCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{origin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
	}).Handler(next)
}

func withTimeout(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

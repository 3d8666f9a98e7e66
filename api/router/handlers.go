package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/canastacr/payments/api/services/payments/app"
	paymentsdb "github.com/canastacr/payments/api/services/payments/db"
)

// maxWebhookBody is the largest webhook payload read, as recommended by Stripe.
const maxWebhookBody = 65536

type cancelRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

type syncRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h handlers) stripeWebhook(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.log.Warn("reading webhook body failed", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Webhook Error: unreadable body"})
		return
	}
	event, err := h.svc.VerifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn("webhook signature verification failed", "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Webhook Error: " + err.Error()})
		return
	}

	if err := h.svc.HandleEvent(r.Context(), event); err != nil {
		// Stripe only needs to know the event arrived; drift is repaired by reconciliation.
		h.log.Error("webhook handler failed", "event_id", event.ID, "event_type", event.Type, "err", err)
	} else {
		h.log.Info("webhook processed", "event_id", event.ID, "event_type", event.Type)
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h handlers) cancelSubscription(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	authUserID, err := h.auth.UserID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Unauthorized"})
		return
	}
	var req cancelRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	res, err := h.svc.CancelSubscription(r.Context(), authUserID, req.UserID)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.log.Error("cancel subscription failed", "user_id", authUserID, "err", err)
			msg = "Failed to cancel subscription. Please try again."
		}
		writeJSON(w, status, map[string]any{"success": false, "error": msg})
		return
	}

	body := map[string]any{
		"success":              true,
		"message":              res.Message,
		"current_period_end":   app.FormatTimestamp(res.CurrentPeriodEnd),
		"cancel_at_period_end": res.CancelAtPeriodEnd,
		"local_sync_pending":   res.LocalSyncPending,
	}
	if res.Warning != "" {
		body["warning"] = res.Warning
	}
	writeJSON(w, http.StatusOK, body)
}

func (h handlers) syncSubscription(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req syncRequest
	if err := h.decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	rec, err := h.svc.SyncSubscriptionByEmail(r.Context(), req.Email)
	if err != nil {
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			h.log.Error("sync subscription failed", "err", err)
			msg = "Failed to sync subscription"
		}
		writeJSON(w, status, map[string]any{"success": false, "error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "record": recordJSON(rec)})
}

func (h handlers) paymentStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	userID, err := h.auth.UserID(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "paid": false})
		return
	}
	st, err := h.svc.PaymentStatus(r.Context(), userID)
	if err != nil {
		h.log.Error("payment status failed", "user_id", userID, "err", err)
		writeJSON(w, statusFor(err), map[string]any{"error": "Payment status unavailable", "paid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":              st.UserID,
		"status":               st.Status,
		"payment_type":         st.PaymentType,
		"paid":                 st.Paid(),
		"current_period_end":   app.FormatTimestamp(st.CurrentPeriodEnd),
		"cancel_at_period_end": st.CancelAtPeriodEnd,
	})
}

// newValidator reports fields under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it.
func (h handlers) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := h.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Tag() == "required" {
			return errors.New(fe.Field() + " is required")
		}
		return errors.New(fe.Field() + " is invalid")
	}
	return err
}

// statusFor maps app errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrWrongPaymentType),
		errors.Is(err, app.ErrMissingSubscription),
		errors.Is(err, app.ErrBadEvent):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func recordJSON(rec paymentsdb.PaymentRecord) map[string]any {
	return map[string]any{
		"user_id":                rec.UserID,
		"status":                 rec.Status,
		"payment_type":           rec.PaymentType,
		"stripe_customer_id":     rec.StripeCustomerID,
		"stripe_subscription_id": nullable(rec.StripeSubscriptionID),
		"current_period_end":     app.FormatTimestamp(rec.CurrentPeriodEnd),
		"cancel_at_period_end":   rec.CancelAtPeriodEnd,
		"amount":                 rec.Amount,
		"currency":               rec.Currency,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/radbridge/internal/billing/domain"
	"github.com/stripe/stripe-go/v83/webhook"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrPayloadTooLarge  = errors.New("payload_too_large")
)

// HandleStripeWebhook verifies the delivery signature and hands the event to
// the billing router. The provider retries anything that is not a 2xx.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	limit := s.stripe.MaxPayloadBytes
	if limit <= 0 {
		limit = 64 * 1024
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.verifySignature(payload, c.GetHeader(stripeSignatureHeader)); err != nil {
		s.log.Warn("rejected webhook with bad signature", zap.Error(err))
		AbortWithError(c, ErrInvalidSignature)
		return
	}

	event, err := billingdomain.ParseEvent(payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if s.stripe.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.stripe.RequestTimeout)
		defer cancel()
	}

	result, err := s.router.Route(ctx, event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) verifySignature(payload []byte, header string) error {
	if s.stripe.WebhookSecret == "" {
		return nil
	}
	_, err := webhook.ConstructEventWithOptions(payload, header, s.stripe.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.stripe.WebhookTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	return err
}

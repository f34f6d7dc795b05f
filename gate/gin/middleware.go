// Package gin adapts the payment gate to Gin.
package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tollgate-sh/tollgate"
	"github.com/tollgate-sh/tollgate/gate"
	"github.com/tollgate-sh/tollgate/registry"
)

// MiddlewareOptions are the options for the payment middleware.
type MiddlewareOptions struct {
	Description     string
	MimeType        string
	ResourceRootURL string
	// ResourceID maps a request to the registry resource identifier.
	// Defaults to the URL path.
	ResourceID func(c *gin.Context) string
}

// Option configures MiddlewareOptions.
type Option func(*MiddlewareOptions)

// WithDescription sets the resource description echoed in challenges.
func WithDescription(description string) Option {
	return func(o *MiddlewareOptions) { o.Description = description }
}

// WithMimeType sets the resource mime type echoed in challenges.
func WithMimeType(mimeType string) Option {
	return func(o *MiddlewareOptions) { o.MimeType = mimeType }
}

// WithResourceRootURL sets the root URL prepended to the request path in the
// challenge resource info.
func WithResourceRootURL(rootURL string) Option {
	return func(o *MiddlewareOptions) { o.ResourceRootURL = rootURL }
}

// WithResourceID overrides how the registry resource identifier is derived
// from the request.
func WithResourceID(fn func(c *gin.Context) string) Option {
	return func(o *MiddlewareOptions) { o.ResourceID = fn }
}

// PaymentMiddleware gates every non-exempt route behind the payment gate.
// Settlement happens before the handler runs, so a paid response is only
// ever produced for an already-settled payment.
func PaymentMiddleware(g *gate.Gate, opts ...Option) gin.HandlerFunc {
	options := &MiddlewareOptions{
		ResourceID: func(c *gin.Context) string { return c.Request.URL.Path },
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		if g.Exempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		resourceID := options.ResourceID(c)

		routing, err := g.ResolveRouting(ctx, resourceID)
		if err != nil {
			if errors.Is(err, tollgate.ErrResourceNotFound) {
				c.AbortWithStatusJSON(http.StatusNotFound, tollgate.NewPaymentError(
					tollgate.ErrCodeResourceNotFound, "resource is not registered", nil))
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, tollgate.NewPaymentError(
				tollgate.ErrCodeUpstreamError, "failed to resolve payment routing", err))
			return
		}

		resource := &tollgate.ResourceInfo{
			URL:         options.ResourceRootURL + c.Request.URL.Path,
			Description: options.Description,
			MimeType:    options.MimeType,
		}

		proof, err := gate.DecodeProof(
			c.GetHeader(tollgate.HeaderPayment),
			c.GetHeader(tollgate.HeaderPaymentIdentifier),
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, tollgate.NewPaymentError(
				tollgate.ErrCodeProofMalformed, "payment proof could not be decoded", err))
			return
		}
		if proof == nil {
			abortWithChallenge(c, g, resource, routing, "payment required")
			return
		}

		receipt, err := g.HandleProof(ctx, proof, resourceID, routing)
		if err != nil {
			switch {
			case errors.Is(err, tollgate.ErrReplayDetected), errors.Is(err, tollgate.ErrSettlementFailed):
				abortWithChallenge(c, g, resource, routing, err.Error())
			case errors.Is(err, tollgate.ErrProofMalformed):
				c.AbortWithStatusJSON(http.StatusBadRequest, tollgate.NewPaymentError(
					tollgate.ErrCodeProofMalformed, "payment proof could not be decoded", err))
			default:
				c.AbortWithStatusJSON(http.StatusInternalServerError, tollgate.NewPaymentError(
					tollgate.ErrCodeUpstreamError, "payment settlement unavailable", err))
			}
			return
		}

		if header, err := receipt.EncodeToBase64String(); err == nil {
			c.Header(tollgate.HeaderPaymentResponse, header)
		}
		c.Next()
	}
}

// abortWithChallenge writes the 402 body and mirrors it into the challenge
// header so non-JSON clients can still read it.
func abortWithChallenge(c *gin.Context, g *gate.Gate, resource *tollgate.ResourceInfo, routing *registry.RoutingInfo, reason string) {
	challenge := g.Challenge(resource, routing, reason)
	if header, err := challenge.EncodeToBase64String(); err == nil {
		c.Header(tollgate.HeaderPaymentRequired, header)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge)
}

// Package echo adapts the payment gate to Echo.
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

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
	ResourceID func(c echo.Context) string
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
func WithResourceID(fn func(c echo.Context) string) Option {
	return func(o *MiddlewareOptions) { o.ResourceID = fn }
}

// PaymentMiddleware gates every non-exempt route behind the payment gate.
// Settlement happens before the handler runs.
func PaymentMiddleware(g *gate.Gate, opts ...Option) echo.MiddlewareFunc {
	options := &MiddlewareOptions{
		ResourceID: func(c echo.Context) string { return c.Request().URL.Path },
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if g.Exempt(c.Request().URL.Path) {
				return next(c)
			}

			ctx := c.Request().Context()
			resourceID := options.ResourceID(c)

			routing, err := g.ResolveRouting(ctx, resourceID)
			if err != nil {
				if errors.Is(err, tollgate.ErrResourceNotFound) {
					return c.JSON(http.StatusNotFound, tollgate.NewPaymentError(
						tollgate.ErrCodeResourceNotFound, "resource is not registered", nil))
				}
				return c.JSON(http.StatusInternalServerError, tollgate.NewPaymentError(
					tollgate.ErrCodeUpstreamError, "failed to resolve payment routing", err))
			}

			resource := &tollgate.ResourceInfo{
				URL:         options.ResourceRootURL + c.Request().URL.Path,
				Description: options.Description,
				MimeType:    options.MimeType,
			}

			proof, err := gate.DecodeProof(
				c.Request().Header.Get(tollgate.HeaderPayment),
				c.Request().Header.Get(tollgate.HeaderPaymentIdentifier),
			)
			if err != nil {
				return c.JSON(http.StatusBadRequest, tollgate.NewPaymentError(
					tollgate.ErrCodeProofMalformed, "payment proof could not be decoded", err))
			}
			if proof == nil {
				return challengeResponse(c, g, resource, routing, "payment required")
			}

			receipt, err := g.HandleProof(ctx, proof, resourceID, routing)
			if err != nil {
				switch {
				case errors.Is(err, tollgate.ErrReplayDetected), errors.Is(err, tollgate.ErrSettlementFailed):
					return challengeResponse(c, g, resource, routing, err.Error())
				case errors.Is(err, tollgate.ErrProofMalformed):
					return c.JSON(http.StatusBadRequest, tollgate.NewPaymentError(
						tollgate.ErrCodeProofMalformed, "payment proof could not be decoded", err))
				default:
					return c.JSON(http.StatusInternalServerError, tollgate.NewPaymentError(
						tollgate.ErrCodeUpstreamError, "payment settlement unavailable", err))
				}
			}

			if header, err := receipt.EncodeToBase64String(); err == nil {
				c.Response().Header().Set(tollgate.HeaderPaymentResponse, header)
			}
			return next(c)
		}
	}
}

// challengeResponse writes the 402 body and mirrors it into the challenge
// header.
func challengeResponse(c echo.Context, g *gate.Gate, resource *tollgate.ResourceInfo, routing *registry.RoutingInfo, reason string) error {
	challenge := g.Challenge(resource, routing, reason)
	if header, err := challenge.EncodeToBase64String(); err == nil {
		c.Response().Header().Set(tollgate.HeaderPaymentRequired, header)
	}
	return c.JSON(http.StatusPaymentRequired, challenge)
}

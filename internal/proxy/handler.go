package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"portal-backend/internal/auth"
	"portal-backend/internal/config"
	"portal-backend/internal/grafana"
	"portal-backend/internal/user"
	"portal-backend/internal/web"
)

var forwardHTTPClient = &http.Client{Timeout: 30 * time.Second}

// UserSource loads the principal whose stored credential the proxy injects.
type UserSource interface {
	FindByID(ctx context.Context, id int64) (*user.User, error)
}

// Handler relays authenticated portal traffic to Grafana. Each request is
// rewritten into an outbound request carrying the user's stored
// service-account token and organization scope; the browser never sees the
// credential. Stateless across requests, buffered, no retries.
type Handler struct {
	users   UserSource
	baseURL string
	client  *http.Client
}

// NewHandler creates a proxy Handler forwarding to the configured Grafana.
func NewHandler(users UserSource, cfg config.GrafanaConfig) *Handler {
	return &Handler{
		users:   users,
		baseURL: cfg.BaseURL(),
		client:  forwardHTTPClient,
	}
}

// Forward handles ALL /grafana/*.
func (h *Handler) Forward(c *fiber.Ctx) error {
	userID, ok := auth.UserID(c)
	if !ok {
		return web.UnauthorizedError("Missing auth token")
	}

	u, err := h.users.FindByID(c.Context(), userID)
	if err != nil {
		return web.UnauthorizedError("Unknown user")
	}
	if !u.Provisioned() {
		return web.ForbiddenError("No Grafana token on user.")
	}

	target := h.baseURL + "/" + strings.TrimLeft(c.Params("*"), "/")

	headers := AllowInbound(StripHopHeaders(requestHeaders(c)))

	method := c.Method()
	var body io.Reader
	if method != fiber.MethodGet && method != fiber.MethodHead {
		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		if strings.Contains(contentType, "application/json") {
			// raw JSON body passes through unparsed
			body = bytes.NewReader(c.Body())
		} else {
			form := url.Values{}
			c.Request().PostArgs().VisitAll(func(key, value []byte) {
				form.Add(string(key), string(value))
			})
			body = strings.NewReader(form.Encode())
			headers[fiber.HeaderContentType] = "application/x-www-form-urlencoded"
		}
	}

	req, err := http.NewRequestWithContext(c.Context(), method, target, body)
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	// Forced headers always win over same-named inbound headers.
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+u.Token())
	req.Header.Set(grafana.OrgHeader, strconv.FormatInt(u.OrgID(), 10))
	req.Header.Set(fiber.HeaderAccept, "*/*")
	req.URL.RawQuery = string(c.Request().URI().QueryString())

	resp, err := h.client.Do(req)
	if err != nil {
		return web.NewAppError("UPSTREAM_UNREACHABLE", 502, "Grafana is unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return web.NewAppError("UPSTREAM_UNREACHABLE", 502, "Grafana response could not be read")
	}

	for name, value := range StripHopHeaders(resp.Header) {
		c.Set(name, value)
	}
	return c.Status(resp.StatusCode).Send(respBody)
}

// RegisterRoutes mounts the proxy wildcard behind the auth middleware.
func RegisterRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	app.All("/grafana/*", authMW, h.Forward)
}

// requestHeaders collects the inbound headers as a name -> values map.
func requestHeaders(c *fiber.Ctx) map[string][]string {
	headers := make(map[string][]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := string(key)
		headers[name] = append(headers[name], string(value))
	})
	return headers
}

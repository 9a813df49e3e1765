package auth

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"portal-backend/internal/grafana"
	"portal-backend/internal/store"
	"portal-backend/internal/user"
	"portal-backend/internal/web"
)

// Provisioner creates the per-user Grafana workspace and returns the durable
// credential for the caller to persist.
type Provisioner interface {
	Bootstrap(ctx context.Context, u *user.User) (grafana.BootstrapResult, error)
}

// Users is the slice of the user store the auth handlers need.
type Users interface {
	Create(ctx context.Context, name, email, passwordHash string) (*user.User, error)
	FindByEmail(ctx context.Context, email string) (*user.User, error)
	FindByID(ctx context.Context, id int64) (*user.User, error)
	SetGrafanaCredentials(ctx context.Context, id int64, token string, orgID int64) error
}

// RefreshTokens persists opaque refresh tokens between logins.
type RefreshTokens interface {
	Insert(ctx context.Context, userID int64, token string, expiresAt time.Time) error
	Find(ctx context.Context, token string) (*RefreshToken, error)
	Delete(ctx context.Context, token string) error
}

// Handler handles authentication and provisioning endpoints.
type Handler struct {
	users       Users
	tokens      RefreshTokens
	jwtSecret   string
	provisioner Provisioner
}

// NewHandler creates an auth Handler backed by the portal store.
func NewHandler(s *store.Store, jwtSecret string, p Provisioner) *Handler {
	return &Handler{
		users:       user.NewRepo(s.DB),
		tokens:      NewTokenRepo(s.DB),
		jwtSecret:   jwtSecret,
		provisioner: p,
	}
}

// Register handles POST /api/auth/register. Registration blocks until the
// Grafana workspace for the new user has been provisioned; a provisioning
// failure fails the registration visibly (the user row remains and the
// provision endpoint can converge it later).
func (h *Handler) Register(c *fiber.Ctx) error {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return web.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Name == "" || body.Email == "" || body.Password == "" {
		return web.NewAppError("INVALID_PAYLOAD", 400, "Name, email and password are required")
	}

	ctx := c.Context()

	hash, err := HashPassword(body.Password)
	if err != nil {
		return err
	}

	u, err := h.users.Create(ctx, body.Name, body.Email, hash)
	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return web.ConflictError("Email already registered")
		}
		return err
	}

	if err := h.provision(ctx, u); err != nil {
		return err
	}

	pair, err := h.generateTokenPair(ctx, u.ID)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": pair})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return web.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.Email == "" || body.Password == "" {
		return web.UnauthorizedError("Email and password are required")
	}

	ctx := c.Context()

	u, err := h.users.FindByEmail(ctx, body.Email)
	if err != nil {
		return web.UnauthorizedError("Invalid email or password")
	}
	if !CheckPassword(body.Password, u.PasswordHash) {
		return web.UnauthorizedError("Invalid email or password")
	}

	pair, err := h.generateTokenPair(ctx, u.ID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Refresh handles POST /api/auth/refresh.
func (h *Handler) Refresh(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return web.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return web.UnauthorizedError("Refresh token is required")
	}

	ctx := c.Context()

	stored, err := h.tokens.Find(ctx, body.RefreshToken)
	if err != nil {
		return web.UnauthorizedError("Invalid refresh token")
	}

	if time.Now().After(stored.ExpiresAt) {
		_ = h.tokens.Delete(ctx, body.RefreshToken)
		return web.UnauthorizedError("Refresh token expired")
	}

	// Delete the used refresh token (rotation)
	if err := h.tokens.Delete(ctx, body.RefreshToken); err != nil {
		return err
	}

	pair, err := h.generateTokenPair(ctx, stored.UserID)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"data": pair})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return web.NewAppError("INVALID_PAYLOAD", 400, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return web.UnauthorizedError("Refresh token is required")
	}

	_ = h.tokens.Delete(c.Context(), body.RefreshToken)

	return c.JSON(fiber.Map{"message": "Logged out"})
}

// Me handles GET /api/me.
func (h *Handler) Me(c *fiber.Ctx) error {
	u, err := h.currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"id":             u.ID,
		"name":           u.Name,
		"email":          u.Email,
		"provisioned":    u.Provisioned(),
		"grafana_org_id": u.GrafanaOrgID,
	}})
}

// Provision handles POST /api/grafana/provision: the retry path when
// provisioning failed during registration. A no-op for already provisioned
// users.
func (h *Handler) Provision(c *fiber.Ctx) error {
	u, err := h.currentUser(c)
	if err != nil {
		return err
	}
	if err := h.provision(c.Context(), u); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"provisioned": true}})
}

// RegisterRoutes registers the public auth routes on the given Fiber app.
func RegisterRoutes(app *fiber.App, h *Handler) {
	api := app.Group("/api/auth")
	api.Post("/register", h.Register)
	api.Post("/login", h.Login)
	api.Post("/refresh", h.Refresh)
	api.Post("/logout", h.Logout)
}

// RegisterProtectedRoutes registers the routes that require a valid JWT.
func RegisterProtectedRoutes(app *fiber.App, h *Handler, authMW fiber.Handler) {
	app.Get("/api/me", authMW, h.Me)
	app.Post("/api/grafana/provision", authMW, h.Provision)
}

// --- helpers ---

// provision runs the Grafana bootstrap for a user unless a credential is
// already stored (idempotency guard). The credential is persisted only after
// the whole remote sequence has succeeded.
func (h *Handler) provision(ctx context.Context, u *user.User) error {
	if u.Provisioned() {
		return nil
	}

	result, err := h.provisioner.Bootstrap(ctx, u)
	if err != nil {
		log.Printf("grafana bootstrap failed user_id=%d: %v", u.ID, err)
		return web.NewAppError("PROVISIONING_FAILED", 502, "Grafana provisioning failed")
	}

	if err := h.users.SetGrafanaCredentials(ctx, u.ID, result.Token, result.OrgID); err != nil {
		return err
	}
	return nil
}

func (h *Handler) generateTokenPair(ctx context.Context, userID int64) (*TokenPair, error) {
	accessToken, err := GenerateAccessToken(userID, h.jwtSecret)
	if err != nil {
		return nil, web.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}

	refreshToken := GenerateRefreshToken()
	if err := h.tokens.Insert(ctx, userID, refreshToken, time.Now().Add(RefreshTokenTTL)); err != nil {
		return nil, web.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func (h *Handler) currentUser(c *fiber.Ctx) (*user.User, error) {
	userID, ok := UserID(c)
	if !ok {
		return nil, web.UnauthorizedError("Missing auth token")
	}
	u, err := h.users.FindByID(c.Context(), userID)
	if err != nil {
		return nil, web.UnauthorizedError("Unknown user")
	}
	return u, nil
}

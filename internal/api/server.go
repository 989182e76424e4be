package api

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/service"
	"github.com/naperu/wagateway/internal/storage"
	"github.com/naperu/wagateway/internal/whatsapp"
	"github.com/naperu/wagateway/internal/ws"
	"github.com/naperu/wagateway/pkg/config"
	"go.uber.org/zap"
)

type Server struct {
	app      *fiber.App
	cfg      *config.Config
	services *service.Services
	hub      *ws.Hub
	storage  *storage.Storage
	log      *zap.Logger
}

func NewServer(cfg *config.Config, services *service.Services, hub *ws.Hub, store *storage.Storage, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	app := fiber.New(fiber.Config{
		AppName:               "WhatsApp Gateway",
		BodyLimit:             32 * 1024 * 1024, // 32MB
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		},
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	app.Use(helmet.New(helmet.Config{
		XSSProtection:             "1; mode=block",
		ContentTypeNosniff:        "nosniff",
		XFrameOptions:             "DENY",
		ReferrerPolicy:            "strict-origin-when-cross-origin",
		CrossOriginEmbedderPolicy: "require-corp",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "cross-origin",
		PermissionPolicy:          "geolocation=(), microphone=(), camera=()",
	}))

	// 500 requests per minute per IP, media and websocket excluded
	app.Use(limiter.New(limiter.Config{
		Max:        500,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "too many requests, please slow down",
			})
		},
		Next: func(c *fiber.Ctx) bool {
			path := c.Path()
			return strings.HasPrefix(path, storage.ProxyPrefix) || strings.HasPrefix(path, "/ws")
		},
	}))

	corsOrigins := "http://localhost:3000,http://localhost:8080"
	if cfg.IsProduction() && len(cfg.CORSOrigins) > 0 {
		corsOrigins = strings.Join(cfg.CORSOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,Upgrade,Connection,x-api-token",
		AllowCredentials: true,
	}))

	server := &Server{
		app:      app,
		cfg:      cfg,
		services: services,
		hub:      hub,
		storage:  store,
		log:      log,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now(),
		})
	})

	api := s.app.Group("/api")

	// Media proxy, public so message views can embed it.
	// Registered before the protected group to stay outside auth.
	api.Get("/media/file/*", s.handleMediaProxy)

	api.Post("/auth/login", s.handleLogin)

	// Third-party integrations authenticate with the tenant api token
	external := api.Group("/external", s.apiTokenMiddleware)
	external.Post("/send", s.handleExternalSend)
	external.Post("/send-media", s.handleExternalSendMedia)
	external.Post("/check-number", s.handleExternalCheckNumber)
	external.Post("/setup-webhook", s.handleExternalSetupWebhook)
	external.Get("/status", s.handleExternalStatus)
	external.Get("/messages", s.handleExternalMessages)

	protected := api.Group("", s.authMiddleware)
	protected.Get("/me", s.handleGetMe)
	protected.Post("/auth/logout", s.handleLogout)
	protected.Get("/dashboard", s.handleDashboard)

	clients := protected.Group("/clients")
	clients.Get("/", s.handleGetClients)
	clients.Post("/", s.handleCreateClient)
	clients.Get("/:id", s.handleGetClient)
	clients.Put("/:id", s.handleUpdateClient)
	clients.Delete("/:id", s.handleDeleteClient)
	clients.Post("/:id/regenerate-token", s.handleRegenerateToken)

	wa := protected.Group("/whatsapp/client/:id")
	wa.Post("/initialize", s.handleInitialize)
	wa.Post("/disconnect", s.handleDisconnect)
	wa.Post("/restart", s.handleRestart)
	wa.Get("/qr", s.handleGetQR)
	wa.Get("/status", s.handleGetStatus)
	wa.Post("/send", s.handleSend)
	wa.Post("/send-media", s.handleSendMedia)
	wa.Post("/check-number", s.handleCheckNumber)
	wa.Get("/messages", s.handleGetMessages)
	wa.Get("/stats", s.handleGetStats)

	s.app.Use("/ws", s.wsUpgrade)
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// Auth middleware
func (s *Server) authMiddleware(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		authHeader = c.Cookies("auth-token")
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Unauthorized",
		})
	}

	claims, err := s.services.Auth.ValidateToken(token, s.cfg.JWTSecret)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid token",
		})
	}

	c.Locals("claims", claims)
	c.Locals("user_id", claims.UserID)
	return c.Next()
}

func (s *Server) apiTokenMiddleware(c *fiber.Ctx) error {
	token := c.Get("x-api-token")
	if token == "" {
		return c.Status(401).JSON(fiber.Map{"success": false, "message": "API token not provided"})
	}

	tenant, err := s.services.Tenant.GetByAPIToken(c.Context(), token)
	if err != nil {
		s.log.Error("api token lookup failed", zap.Error(err))
		return c.Status(500).JSON(fiber.Map{"success": false, "message": "Failed to process request"})
	}
	if tenant == nil {
		return c.Status(401).JSON(fiber.Map{"success": false, "message": "Invalid API token"})
	}

	c.Locals("tenant", tenant)
	return c.Next()
}

func (s *Server) wsUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		token := c.Query("token")
		if token == "" {
			return c.Status(401).JSON(fiber.Map{"error": "Missing token"})
		}

		claims, err := s.services.Auth.ValidateToken(token, s.cfg.JWTSecret)
		if err != nil {
			return c.Status(401).JSON(fiber.Map{"error": "Invalid token"})
		}

		c.Locals("claims", claims)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func claimsOf(c *fiber.Ctx) *service.JWTClaims {
	claims, _ := c.Locals("claims").(*service.JWTClaims)
	return claims
}

func tenantOf(c *fiber.Ctx) *domain.Tenant {
	tenant, _ := c.Locals("tenant").(*domain.Tenant)
	return tenant
}

// loadTenant resolves :id to a tenant the caller may manage, writing the
// error response itself when it fails.
func (s *Server) loadTenant(c *fiber.Ctx) (*domain.Tenant, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid client ID"})
	}
	tenant, err := s.services.Tenant.Get(c.Context(), claimsOf(c), id)
	if err != nil {
		return nil, s.fail(c, err)
	}
	return tenant, nil
}

// errorStatus maps service and session errors to an HTTP status and message.
func errorStatus(err error) (int, string) {
	var sendErr *whatsapp.SendError
	switch {
	case errors.Is(err, whatsapp.ErrPairingNotReady):
		return fiber.StatusNotFound, "pairing not ready"
	case errors.Is(err, whatsapp.ErrNotInitialized):
		return fiber.StatusNotFound, "session not initialized"
	case errors.Is(err, whatsapp.ErrSessionNotFound):
		return fiber.StatusNotFound, "whatsapp session not found"
	case errors.Is(err, whatsapp.ErrTenantNotFound):
		return fiber.StatusNotFound, "client not found"
	case errors.Is(err, whatsapp.ErrUnsupportedMediaKind):
		return fiber.StatusBadRequest, "unsupported media type, must be one of: image, document, video, audio"
	case errors.Is(err, service.ErrForbidden):
		return fiber.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrInvalidCredentials):
		return fiber.StatusUnauthorized, "invalid credentials"
	case errors.As(err, &sendErr):
		return fiber.StatusInternalServerError, sendErr.Error()
	}
	return fiber.StatusInternalServerError, err.Error()
}

func (s *Server) fail(c *fiber.Ctx, err error) error {
	code, msg := errorStatus(err)
	if code >= 500 {
		s.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"success": false, "message": msg})
}

// --- Auth Handlers ---

func (s *Server) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}

	token, user, err := s.services.Auth.Login(c.Context(), req.Username, req.Password, s.cfg.JWTSecret)
	if err != nil {
		return s.fail(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     "auth-token",
		Value:    token,
		Expires:  time.Now().Add(24 * 7 * time.Hour),
		HTTPOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: "Lax",
	})

	return c.JSON(fiber.Map{
		"success": true,
		"token":   token,
		"user":    user,
	})
}

func (s *Server) handleLogout(c *fiber.Ctx) error {
	c.Cookie(&fiber.Cookie{
		Name:     "auth-token",
		Value:    "",
		Expires:  time.Now().Add(-time.Hour),
		HTTPOnly: true,
	})
	return c.JSON(fiber.Map{"success": true})
}

func (s *Server) handleGetMe(c *fiber.Ctx) error {
	user, err := s.services.Auth.GetUser(c.Context(), claimsOf(c).UserID)
	if err != nil {
		return s.fail(c, err)
	}
	if user == nil {
		return c.Status(404).JSON(fiber.Map{"success": false, "error": "User not found"})
	}
	return c.JSON(fiber.Map{"success": true, "user": user})
}

func (s *Server) handleDashboard(c *fiber.Ctx) error {
	stats, err := s.services.Stats.Dashboard(c.Context(), claimsOf(c).UserID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "stats": stats})
}

// --- Client (tenant) Handlers ---

func (s *Server) handleGetClients(c *fiber.Ctx) error {
	tenants, err := s.services.Tenant.List(c.Context(), claimsOf(c))
	if err != nil {
		return s.fail(c, err)
	}
	if tenants == nil {
		tenants = []*domain.Tenant{}
	}
	return c.JSON(fiber.Map{"success": true, "clients": tenants})
}

func (s *Server) handleCreateClient(c *fiber.Ctx) error {
	var req service.TenantInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}
	if req.BusinessName == nil || strings.TrimSpace(*req.BusinessName) == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "business_name is required"})
	}

	tenant, err := s.services.Tenant.Create(c.Context(), claimsOf(c).UserID, req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"success": true, "client": tenant})
}

func (s *Server) handleGetClient(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "client": tenant})
}

func (s *Server) handleUpdateClient(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}

	var req service.TenantInput
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid request"})
	}
	tenant, err = s.services.Tenant.Update(c.Context(), tenant, req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "client": tenant})
}

func (s *Server) handleDeleteClient(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	if err := s.services.Tenant.Delete(c.Context(), tenant); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Client deleted"})
}

func (s *Server) handleRegenerateToken(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	token, err := s.services.Tenant.RegenerateToken(c.Context(), tenant)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "apiToken": token})
}

// --- Session Handlers ---

type phoneHintRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func (s *Server) handleInitialize(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	var req phoneHintRequest
	_ = c.BodyParser(&req)

	if err := s.services.Session.Initialize(c.Context(), tenant, req.PhoneNumber); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "WhatsApp client initializing"})
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	if err := s.services.Session.Disconnect(c.Context(), tenant); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "WhatsApp client disconnected"})
}

func (s *Server) handleRestart(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	var req phoneHintRequest
	_ = c.BodyParser(&req)

	if err := s.services.Session.Restart(c.Context(), tenant, req.PhoneNumber); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "WhatsApp client restarting"})
}

func (s *Server) handleGetQR(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	art, err := s.services.Session.PairingArtifact(c.Context(), tenant)
	if err != nil {
		return s.fail(c, err)
	}

	if c.Query("format") == "json" {
		return c.JSON(fiber.Map{"success": true, "code": art.Code})
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(art.PNG)
}

func (s *Server) handleGetStatus(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return c.JSON(s.services.Session.Status(c.Context(), tenant))
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendMediaRequest struct {
	To       string `json:"to"`
	MediaURL string `json:"mediaUrl"`
	Caption  string `json:"caption"`
	Type     string `json:"type"`
	FileName string `json:"fileName"`
}

type checkNumberRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func (s *Server) sendText(c *fiber.Ctx, tenant *domain.Tenant) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil || req.To == "" || req.Text == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "message": "to and text are required"})
	}

	msg, err := s.services.Session.SendText(c.Context(), tenant, req.To, req.Text)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"messageId": msg.ExternalID,
		"clientId":  tenant.ID,
		"to":        msg.To,
		"text":      req.Text,
		"timestamp": msg.Timestamp,
	})
}

func (s *Server) sendMedia(c *fiber.Ctx, tenant *domain.Tenant) error {
	var req sendMediaRequest
	if err := c.BodyParser(&req); err != nil || req.To == "" || req.MediaURL == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "message": "to and mediaUrl are required"})
	}

	msg, err := s.services.Session.SendMedia(c.Context(), tenant, req.To, whatsapp.MediaRequest{
		URL:      req.MediaURL,
		Caption:  req.Caption,
		Kind:     req.Type,
		FileName: req.FileName,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":   true,
		"messageId": msg.ExternalID,
		"clientId":  tenant.ID,
		"to":        msg.To,
		"mediaType": req.Type,
		"mediaUrl":  req.MediaURL,
		"caption":   req.Caption,
		"timestamp": msg.Timestamp,
	})
}

func (s *Server) checkNumber(c *fiber.Ctx, tenant *domain.Tenant) error {
	var req checkNumberRequest
	if err := c.BodyParser(&req); err != nil || req.PhoneNumber == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "message": "phoneNumber is required"})
	}

	res, err := s.services.Session.CheckNumber(c.Context(), tenant, req.PhoneNumber)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":     true,
		"phoneNumber": res.Number,
		"exists":      res.Registered,
		"clientId":    tenant.ID,
	})
}

func (s *Server) listMessages(c *fiber.Ctx, tenant *domain.Tenant) error {
	filter := domain.MessageFilter{
		PhoneNumber: c.Query("phoneNumber"),
		Direction:   c.Query("direction"),
		Limit:       c.QueryInt("limit", 50),
		Offset:      c.QueryInt("offset", 0),
	}
	if t, ok := parseDate(c.Query("startDate")); ok {
		filter.StartDate = &t
	}
	if t, ok := parseDate(c.Query("endDate")); ok {
		filter.EndDate = &t
	}

	messages, page, err := s.services.Message.List(c.Context(), tenant.ID, filter)
	if err != nil {
		return s.fail(c, err)
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"clientId":   tenant.ID,
		"messages":   messages,
		"pagination": page,
	})
}

// parseDate accepts RFC 3339 timestamps and plain dates.
func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (s *Server) handleSend(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return s.sendText(c, tenant)
}

func (s *Server) handleSendMedia(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return s.sendMedia(c, tenant)
}

func (s *Server) handleCheckNumber(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return s.checkNumber(c, tenant)
}

func (s *Server) handleGetMessages(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	return s.listMessages(c, tenant)
}

func (s *Server) handleGetStats(c *fiber.Ctx) error {
	tenant, err := s.loadTenant(c)
	if tenant == nil {
		return err
	}
	stats, err := s.services.Stats.Tenant(c.Context(), tenant.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "stats": stats})
}

// --- External API Handlers ---

// requireConnected rejects the request with 400 when the tenant's session is
// not up, before anything is handed to the channel.
func (s *Server) requireConnected(c *fiber.Ctx, tenant *domain.Tenant) bool {
	if s.services.Session.Status(c.Context(), tenant).IsConnected {
		return true
	}
	_ = c.Status(400).JSON(fiber.Map{
		"success":  false,
		"message":  "WhatsApp client is not connected",
		"clientId": tenant.ID,
	})
	return false
}

func (s *Server) handleExternalSend(c *fiber.Ctx) error {
	tenant := tenantOf(c)
	if !s.requireConnected(c, tenant) {
		return nil
	}
	return s.sendText(c, tenant)
}

func (s *Server) handleExternalSendMedia(c *fiber.Ctx) error {
	tenant := tenantOf(c)
	if !s.requireConnected(c, tenant) {
		return nil
	}
	return s.sendMedia(c, tenant)
}

func (s *Server) handleExternalCheckNumber(c *fiber.Ctx) error {
	tenant := tenantOf(c)
	if !s.requireConnected(c, tenant) {
		return nil
	}
	return s.checkNumber(c, tenant)
}

func (s *Server) handleExternalStatus(c *fiber.Ctx) error {
	tenant := tenantOf(c)
	status := s.services.Session.Status(c.Context(), tenant)
	return c.JSON(fiber.Map{
		"success":      true,
		"clientId":     tenant.ID,
		"businessName": tenant.BusinessName,
		"phoneNumber":  tenant.PhoneNumber,
		"isConnected":  status.IsConnected,
		"status":       tenant.Status,
	})
}

func (s *Server) handleExternalMessages(c *fiber.Ctx) error {
	return s.listMessages(c, tenantOf(c))
}

func (s *Server) handleExternalSetupWebhook(c *fiber.Ctx) error {
	tenant := tenantOf(c)
	var req struct {
		WebhookURL string `json:"webhookUrl"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"success": false, "message": "Invalid request"})
	}
	if req.WebhookURL != "" {
		if u, err := url.Parse(req.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return c.Status(400).JSON(fiber.Map{"success": false, "message": "webhookUrl must be an http(s) URL"})
		}
	}

	if err := s.services.Tenant.SetupWebhook(c.Context(), tenant, req.WebhookURL); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"success":    true,
		"message":    "Webhook configured",
		"clientId":   tenant.ID,
		"webhookUrl": req.WebhookURL,
	})
}

// --- Media & WebSocket ---

// handleMediaProxy serves stored media through the backend
func (s *Server) handleMediaProxy(c *fiber.Ctx) error {
	if s.storage == nil {
		return c.Status(503).JSON(fiber.Map{"success": false, "error": "Storage not configured"})
	}

	objectKey := c.Params("*")
	if objectKey == "" {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid path"})
	}
	// Fiber keeps wildcard params URL-encoded
	if decoded, err := url.PathUnescape(objectKey); err == nil {
		objectKey = decoded
	}
	if strings.Contains(objectKey, "..") {
		return c.Status(400).JSON(fiber.Map{"success": false, "error": "Invalid path"})
	}

	data, contentType, err := s.storage.GetFile(c.Context(), objectKey)
	if err != nil {
		s.log.Debug("media proxy miss", zap.String("key", objectKey), zap.Error(err))
		return c.Status(404).JSON(fiber.Map{"success": false, "error": "File not found"})
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderCacheControl, "public, max-age=86400")
	return c.Send(data)
}

func (s *Server) handleWebSocket(c *websocket.Conn) {
	claims := c.Locals("claims").(*service.JWTClaims)

	client := ws.NewClient(s.hub, claims.UserID, c)
	s.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

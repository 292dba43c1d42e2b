package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vesaa/plantwatch/internal/gateway"
	"github.com/vesaa/plantwatch/internal/models"
	"github.com/vesaa/plantwatch/internal/reducer"
	"github.com/vesaa/plantwatch/internal/session"
)

// RegisterRoutes wires up the dashboard API on the given engine.
//
//	Public:   GET /api/health, POST /api/login, POST /api/register
//	Protected (JWT): everything else under /api
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")

	// ── Public endpoints ──────────────────────────────────────────────────────
	api.GET("/health", s.handleHealth)
	api.POST("/login", s.handleLogin)
	api.POST("/register", s.handleRegister)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", JWTMiddleware())
	{
		auth.POST("/logout", s.handleLogout)

		auth.GET("/devices", s.handleListDevices)
		auth.POST("/devices", s.handleCreateDevice)

		plant := auth.Group("/plants/:plantId")
		plant.POST("/view", s.handleOpenView)
		plant.GET("/view", s.handleGetView)
		plant.DELETE("/view", s.handleCloseView)
		plant.PUT("/view/period", s.handleSetPeriod)
		plant.POST("/water", s.handleWater)
		plant.PUT("/thresholds", s.handleThresholds)
		plant.GET("/stream", s.handleStream)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Time:    time.Now().UTC(),
		Views:   s.views.Len(),
		Host:    collectHostStats(),
	})
}

// handleLogin checks the credentials against the backend, remembers them
// and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "ana", "password": "..." }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	user, err := s.newClient(gateway.Session{}).Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	if user.Username == "" {
		user.Username = body.Username
	}

	if err := s.sessions.Save(*user, body.Password); err != nil {
		s.fail(c, err)
		return
	}
	s.setClient(user.Username, gateway.Session{Username: user.Username, Password: body.Password, UserID: user.ID})

	token, err := GenerateJWT(user.Username, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
		"user":       user,
	})
}

// POST /api/register
// Body: { "username": "...", "password": "...", "email": "..." }
func (s *Server) handleRegister(c *gin.Context) {
	var body models.AuthRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Username == "" || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	msg, err := s.newClient(gateway.Session{}).Register(c.Request.Context(), body)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// handleLogout closes the user's views and forgets the stored credentials.
func (s *Server) handleLogout(c *gin.Context) {
	username := c.GetString("username")
	closed := s.views.CloseUser(username)
	s.dropClient(username)
	if err := s.sessions.Delete(username); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_out": username, "views_closed": closed})
}

func (s *Server) handleListDevices(c *gin.Context) {
	client, err := s.clientFor(c.GetString("username"))
	if err != nil {
		s.fail(c, err)
		return
	}
	devices, err := client.ListDevices(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": devices})
}

// POST /api/devices
// Body: { "plantId": "P1", "name": "Ficus" }
func (s *Server) handleCreateDevice(c *gin.Context) {
	var body struct {
		PlantID string `json:"plantId" binding:"required"`
		Name    string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "plantId and name required"})
		return
	}
	client, err := s.clientFor(c.GetString("username"))
	if err != nil {
		s.fail(c, err)
		return
	}
	sess, _ := client.Session()
	dev, err := client.CreateDevice(c.Request.Context(), body.PlantID, body.Name, sess.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": dev})
}

func (s *Server) handleOpenView(c *gin.Context) {
	r, err := s.openView(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r.Snapshot()})
}

func (s *Server) handleGetView(c *gin.Context) {
	r, ok := s.views.Get(c.GetString("username"), c.Param("plantId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "view not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": r.Snapshot()})
}

func (s *Server) handleCloseView(c *gin.Context) {
	plantID := c.Param("plantId")
	if !s.views.Close(c.GetString("username"), plantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "view not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": plantID})
}

// PUT /api/plants/:plantId/view/period
// Body: { "period": "7d" }
func (s *Server) handleSetPeriod(c *gin.Context) {
	var body struct {
		Period string `json:"period" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period required"})
		return
	}
	r, ok := s.views.Get(c.GetString("username"), c.Param("plantId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "view not open"})
		return
	}
	if err := r.SetPeriod(c.Request.Context(), body.Period); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": body.Period})
}

// handleWater goes through the open view so it can track the pump, or
// straight to the backend when there is none.
func (s *Server) handleWater(c *gin.Context) {
	username, plantID := c.GetString("username"), c.Param("plantId")
	var ack string
	var err error
	if r, ok := s.views.Get(username, plantID); ok {
		ack, err = r.Water(c.Request.Context())
	} else {
		var client *gateway.Client
		if client, err = s.clientFor(username); err == nil {
			ack, err = client.SendCommand(c.Request.Context(), plantID, models.CommandWater)
		}
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": ack})
}

// PUT /api/plants/:plantId/thresholds
// Body: partial threshold fields, e.g. { "minSoilHumidity": 30, "maxSoilHumidity": 80 }
func (s *Server) handleThresholds(c *gin.Context) {
	var patch models.ThresholdPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if patch.Empty() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no threshold given"})
		return
	}
	username, plantID := c.GetString("username"), c.Param("plantId")
	var dev *models.Device
	var err error
	if r, ok := s.views.Get(username, plantID); ok {
		dev, err = r.SaveThresholds(c.Request.Context(), patch)
	} else {
		dev, err = s.saveThresholds(c, username, plantID, patch)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": dev, "thresholds": dev.Thresholds()})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (s *Server) openView(c *gin.Context) (*reducer.Reducer, error) {
	username := c.GetString("username")
	client, err := s.clientFor(username)
	if err != nil {
		return nil, err
	}
	sess, _ := client.Session()
	r, _ := s.views.Open(username, c.Param("plantId"), client, s.newSubscriber(sess))
	return r, nil
}

// attachView is openView for a stream; release must be called when the
// stream ends.
func (s *Server) attachView(c *gin.Context) (*reducer.Reducer, func(), error) {
	username := c.GetString("username")
	client, err := s.clientFor(username)
	if err != nil {
		return nil, nil, err
	}
	sess, _ := client.Session()
	r, release := s.views.Attach(username, c.Param("plantId"), client, s.newSubscriber(sess))
	return r, release, nil
}

// saveThresholds validates patch against the device's stored thresholds and
// persists it without a view.
func (s *Server) saveThresholds(c *gin.Context, username, plantID string, patch models.ThresholdPatch) (*models.Device, error) {
	client, err := s.clientFor(username)
	if err != nil {
		return nil, err
	}
	devices, err := client.ListDevices(c.Request.Context())
	if err != nil {
		return nil, err
	}
	current := models.DefaultThresholds()
	for _, d := range devices {
		if d.PlantID == plantID {
			current = d.Thresholds()
			break
		}
	}
	if err := current.Apply(patch).Validate(); err != nil {
		return nil, err
	}
	return client.UpdateThresholds(c.Request.Context(), plantID, patch)
}

// fail maps an error kind to an HTTP status and answers { "error": ... }.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidThresholds),
		errors.Is(err, gateway.ErrValidation),
		errors.Is(err, reducer.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrAuth), errors.Is(err, gateway.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, reducer.ErrClosed):
		return http.StatusGone
	case errors.Is(err, gateway.ErrCommand),
		errors.Is(err, gateway.ErrConfig),
		errors.Is(err, gateway.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrUnsealed):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Package api provides the REST API server for microdrum2midi
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/james-see/microdrum2midi/pkg/bridge"
	"github.com/james-see/microdrum2midi/pkg/pins"
	"github.com/james-see/microdrum2midi/pkg/protocol"
	"github.com/james-see/microdrum2midi/pkg/transport"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// @title MicroDrum2MIDI API
// @version 1.0
// @description API for editing MicroDrum trigger pins and driving the serial session
// @host localhost:8080
// @BasePath /api/v1

// Destinations lists MIDI outputs
type Destinations interface {
	Destinations() ([]string, error)
}

// Server serves the pin table and the device session over HTTP
type Server struct {
	ctrl      *bridge.Controller
	serial    transport.Config
	midi      Destinations
	listPorts func() ([]transport.PortInfo, error)
	log       *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithSerialConfig sets the config used when a session is opened without a body
func WithSerialConfig(cfg transport.Config) Option {
	return func(s *Server) {
		s.serial = cfg
	}
}

// WithDestinations sets the MIDI output lister
func WithDestinations(d Destinations) Option {
	return func(s *Server) {
		s.midi = d
	}
}

// WithPortLister replaces the serial port lister
func WithPortLister(fn func() ([]transport.PortInfo, error)) Option {
	return func(s *Server) {
		s.listPorts = fn
	}
}

// NewServer creates a server for ctrl
func NewServer(ctrl *bridge.Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		serial:    transport.DefaultConfig(),
		listPorts: transport.ListPorts,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartServer starts the API server on the specified port
func StartServer(port int, ctrl *bridge.Controller, opts ...Option) error {
	return NewServer(ctrl, opts...).Run(port)
}

// Run listens on port until the server fails
func (s *Server) Run(port int) error {
	s.log.Info("API server listening", zap.Int("port", port))
	return s.Router().Run(fmt.Sprintf(":%d", port))
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	// CORS middleware
	r.Use(corsMiddleware())

	// Health check
	r.GET("/health", healthCheck)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", healthCheck)
		v1.GET("/pins", s.listPins)
		v1.GET("/pins/:pin", s.getPin)
		v1.PUT("/pins/:pin/:param", s.setParam)
		v1.POST("/pins/:pin/upload", s.uploadPin)
		v1.POST("/pins/:pin/download", s.downloadPin)
		v1.GET("/session", s.sessionStatus)
		v1.POST("/session", s.openSession)
		v1.DELETE("/session", s.closeSession)
		v1.PUT("/mode", s.changeMode)
		v1.GET("/ports/serial", s.serialPorts)
		v1.GET("/ports/midi", s.midiPorts)
		v1.GET("/params", listParams)
		v1.GET("/syx", s.exportSyx)
		v1.POST("/syx", s.importSyx)
	}

	// Swagger docs
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

// PinView is a pin as served by the API
type PinView struct {
	Pin      int    `json:"pin"`
	TypeName string `json:"type_name"`
	NoteName string `json:"note_name"`
	pins.PinParameter
}

func pinView(pin int, pp pins.PinParameter) PinView {
	return PinView{
		Pin:          pin,
		TypeName:     pins.PinType(pp.Type).String(),
		NoteName:     pins.NoteName(pp.Note),
		PinParameter: pp,
	}
}

// SetRequest is the body of a parameter update
type SetRequest struct {
	Value *int   `json:"value"`
	Name  string `json:"name"`
	Save  bool   `json:"save"`
}

// OpenRequest is the optional body of a session open
type OpenRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

// ModeRequest is the body of a mode change
type ModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pins.ErrInvalidPin), errors.Is(err, pins.ErrUnknownParam):
		status = http.StatusBadRequest
	case errors.Is(err, bridge.ErrNotOpen), errors.Is(err, bridge.ErrAlreadyOpen):
		status = http.StatusConflict
	case errors.Is(err, transport.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrIO), errors.Is(err, transport.ErrClosed):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pinParam(c *gin.Context) (int, error) {
	pin, err := strconv.Atoi(c.Param("pin"))
	if err != nil || pin < 0 || pin >= pins.PinCount {
		return 0, fmt.Errorf("%w: %s", pins.ErrInvalidPin, c.Param("pin"))
	}
	return pin, nil
}

// healthCheck godoc
// @Summary Health check endpoint
// @Description Returns the health status of the API
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "microdrum2midi",
	})
}

// listPins godoc
// @Summary List pins
// @Description Returns all 48 pins of the local table
// @Tags pins
// @Produce json
// @Success 200 {array} PinView
// @Router /api/v1/pins [get]
func (s *Server) listPins(c *gin.Context) {
	table := s.ctrl.Store().Snapshot()
	out := make([]PinView, len(table))
	for i, pp := range table {
		out[i] = pinView(i, pp)
	}
	c.JSON(http.StatusOK, out)
}

// getPin godoc
// @Summary Get one pin
// @Tags pins
// @Produce json
// @Param pin path int true "Pin index 0-47"
// @Success 200 {object} PinView
// @Failure 400 {object} map[string]string
// @Router /api/v1/pins/{pin} [get]
func (s *Server) getPin(c *gin.Context) {
	pin, err := pinParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	pp, err := s.ctrl.Store().Get(pin)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pinView(pin, pp))
}

// setParam godoc
// @Summary Set a pin parameter
// @Description Stores the value locally and, with a session open, sends it to the device.
// @Description The value is clamped to 0-127. The param "name" renames the pin.
// @Tags pins
// @Accept json
// @Produce json
// @Param pin path int true "Pin index 0-47"
// @Param param path string true "Parameter name or 0x id"
// @Param body body SetRequest true "New value"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /api/v1/pins/{pin}/{param} [put]
func (s *Server) setParam(c *gin.Context) {
	pin, err := pinParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if c.Param("param") == "name" {
		if err := s.ctrl.Store().SetName(pin, req.Name); err != nil {
			writeError(c, err)
			return
		}
		if req.Save {
			if err := s.ctrl.Persist(); err != nil {
				writeError(c, err)
				return
			}
		}
		pp, _ := s.ctrl.Store().Get(pin)
		c.JSON(http.StatusOK, gin.H{"pin": pinView(pin, pp), "sent": false})
		return
	}

	p, err := pins.ParseParam(c.Param("param"))
	if err != nil || p == pins.ParamAll {
		writeError(c, fmt.Errorf("%w: %s", pins.ErrUnknownParam, c.Param("param")))
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}

	sent := false
	if engine, err := s.ctrl.Engine(); err == nil {
		if err := engine.SetParam(pin, p, *req.Value, req.Save); err != nil {
			writeError(c, err)
			return
		}
		sent = true
	} else {
		v, _ := pins.Clamp(*req.Value)
		if err := s.ctrl.Store().Set(pin, p, v); err != nil {
			writeError(c, err)
			return
		}
		if req.Save {
			if err := s.ctrl.Persist(); err != nil {
				writeError(c, err)
				return
			}
		}
	}
	pp, _ := s.ctrl.Store().Get(pin)
	c.JSON(http.StatusOK, gin.H{"pin": pinView(pin, pp), "sent": sent})
}

// uploadPin godoc
// @Summary Request a pin from the device
// @Description Sends the twelve paced get requests; replies arrive through the bridge loop
// @Tags device
// @Produce json
// @Param pin path int true "Pin index 0-47"
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} map[string]string
// @Router /api/v1/pins/{pin}/upload [post]
func (s *Server) uploadPin(c *gin.Context) {
	pin, err := pinParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	engine, err := s.ctrl.Engine()
	if err != nil {
		writeError(c, err)
		return
	}
	if err := engine.RequestAll(c.Request.Context(), pin); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pin": pin, "requested": len(pins.Params)})
}

// downloadPin godoc
// @Summary Write a pin to the device
// @Description Sends every parameter of the local pin, then saves the table
// @Tags device
// @Produce json
// @Param pin path int true "Pin index 0-47"
// @Param save query bool false "Ask the device to persist each value"
// @Success 200 {object} PinView
// @Failure 409 {object} map[string]string
// @Router /api/v1/pins/{pin}/download [post]
func (s *Server) downloadPin(c *gin.Context) {
	pin, err := pinParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	engine, err := s.ctrl.Engine()
	if err != nil {
		writeError(c, err)
		return
	}
	save := c.DefaultQuery("save", "false") == "true"
	if err := engine.DownloadPin(c.Request.Context(), pin, save); err != nil {
		writeError(c, err)
		return
	}
	pp, _ := s.ctrl.Store().Get(pin)
	c.JSON(http.StatusOK, pinView(pin, pp))
}

// sessionStatus godoc
// @Summary Session status
// @Tags session
// @Produce json
// @Success 200 {object} bridge.Status
// @Router /api/v1/session [get]
func (s *Server) sessionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// openSession godoc
// @Summary Open the serial session
// @Tags session
// @Accept json
// @Produce json
// @Param body body OpenRequest false "Port and baud rate overrides"
// @Success 201 {object} bridge.Status
// @Failure 409 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /api/v1/session [post]
func (s *Server) openSession(c *gin.Context) {
	cfg := s.serial
	var req OpenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Port != "" {
		cfg.Port = req.Port
	}
	if req.BaudRate > 0 {
		cfg.BaudRate = req.BaudRate
	}
	if err := s.ctrl.Open(cfg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.ctrl.Status())
}

// closeSession godoc
// @Summary Close the serial session
// @Tags session
// @Produce json
// @Success 200 {object} bridge.Status
// @Router /api/v1/session [delete]
func (s *Server) closeSession(c *gin.Context) {
	if err := s.ctrl.Close(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}

// changeMode godoc
// @Summary Change the device mode
// @Tags device
// @Accept json
// @Produce json
// @Param body body ModeRequest true "setup, midi or log"
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Router /api/v1/mode [put]
func (s *Server) changeMode(c *gin.Context) {
	var req ModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, err := protocol.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	engine, err := s.ctrl.Engine()
	if err != nil {
		writeError(c, err)
		return
	}
	if err := engine.ChangeMode(mode); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode.String()})
}

// serialPorts godoc
// @Summary List serial ports
// @Tags ports
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/ports/serial [get]
func (s *Server) serialPorts(c *gin.Context) {
	ports, err := s.listPorts()
	if err != nil {
		writeError(c, err)
		return
	}
	detected, _ := transport.MatchPort(ports, s.serial.Detect)
	c.JSON(http.StatusOK, gin.H{"ports": ports, "detected": detected.Name})
}

// midiPorts godoc
// @Summary List MIDI outputs
// @Tags ports
// @Produce json
// @Success 200 {object} map[string][]string
// @Router /api/v1/ports/midi [get]
func (s *Server) midiPorts(c *gin.Context) {
	if s.midi == nil {
		c.JSON(http.StatusOK, gin.H{"outputs": []string{}})
		return
	}
	names, err := s.midi.Destinations()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputs": names})
}

// listParams godoc
// @Summary List pin parameters
// @Description Returns the parameter names with their wire ids
// @Tags info
// @Produce json
// @Success 200 {object} map[string][]map[string]interface{}
// @Router /api/v1/params [get]
func listParams(c *gin.Context) {
	params := make([]gin.H, 0, len(pins.Params))
	for _, p := range pins.Params {
		params = append(params, gin.H{"name": p.String(), "id": uint8(p)})
	}
	c.JSON(http.StatusOK, gin.H{"params": params})
}

// exportSyx godoc
// @Summary Download the pin table as a .syx dump
// @Description One set frame per parameter, pin by pin, ready for any SysEx librarian
// @Tags pins
// @Produce application/octet-stream
// @Param save query bool false "Use the set-and-save opcode"
// @Success 200 {file} binary
// @Router /api/v1/syx [get]
func (s *Server) exportSyx(c *gin.Context) {
	save := c.DefaultQuery("save", "false") == "true"
	data := protocol.ExportSyx(s.ctrl.Store().Snapshot(), save)
	c.Header("Content-Disposition", "attachment; filename=pins.syx")
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// importSyx godoc
// @Summary Load a .syx dump into the pin table
// @Description Applies set frames and device replies; other messages are skipped
// @Tags pins
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true ".syx file"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Router /api/v1/syx [post]
func (s *Server) importSyx(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file"})
		return
	}
	applied, skipped, err := protocol.ImportSyx(data, s.ctrl.Store())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.Persist(); err != nil {
		s.log.Error("failed to persist pin table", zap.Error(err))
	}
	s.log.Info("syx imported", zap.String("file", header.Filename), zap.Int("applied", applied), zap.Int("skipped", skipped))
	c.JSON(http.StatusOK, gin.H{"applied": applied, "skipped": skipped})
}

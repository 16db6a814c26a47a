package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/config"
	"github.com/3FT-io/plategen/pkg/core"
	"github.com/3FT-io/plategen/pkg/plate"
	"github.com/3FT-io/plategen/pkg/validation"
)

// maxRequestBody bounds a plate configuration request.
const maxRequestBody = 64 << 10

type API struct {
	node    *core.Node
	logger  *zap.Logger
	handler http.Handler
	server  *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// plateRequest is the wire form of a configuration. Enumerations arrive as
// free text and are normalized before validation.
type plateRequest struct {
	BoltSpacing    uint16 `json:"bolt_spacing"`
	BoltSize       string `json:"bolt_size"`
	BracketHeight  uint16 `json:"bracket_height"`
	BracketWidth   uint16 `json:"bracket_width"`
	Material       string `json:"material"`
	PinDiameter    uint16 `json:"pin_diameter"`
	PinCount       uint16 `json:"pin_count"`
	PlateThickness uint16 `json:"plate_thickness"`
}

// configuration converts the request. Unknown bolt sizes and materials
// become the invalid zero value so validation reports them in field order.
func (r plateRequest) configuration() plate.Configuration {
	boltSize, _ := plate.ParseBoltSize(r.BoltSize)
	material, _ := plate.ParseMaterial(r.Material)
	return plate.Configuration{
		BoltSpacing:    plate.Millimeters(r.BoltSpacing),
		BoltSize:       boltSize,
		BracketHeight:  plate.Millimeters(r.BracketHeight),
		BracketWidth:   plate.Millimeters(r.BracketWidth),
		Material:       material,
		PinDiameter:    plate.Millimeters(r.PinDiameter),
		PinCount:       r.PinCount,
		PlateThickness: plate.Millimeters(r.PlateThickness),
	}
}

type plateResponse struct {
	SessionID   string            `json:"session_id"`
	Fingerprint string            `json:"fingerprint"`
	CacheHit    bool              `json:"cache_hit"`
	Downloads   map[string]string `json:"downloads"`
}

type validationDetail struct {
	Field string          `json:"field"`
	Code  validation.Code `json:"code"`
}

func NewAPI(node *core.Node, cfg *config.Config, logger *zap.Logger) (*API, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		node:   node,
		logger: logger,
	}

	router := mux.NewRouter()
	api.setupRoutes(router)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:         300,
	})
	api.handler = gzhttp.GzipHandler(corsHandler.Handler(router))

	api.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.APIPort),
		Handler:     api.handler,
		ReadTimeout: 15 * time.Second,
		// a cache miss runs both generator steps before responding
		WriteTimeout: 2*cfg.GeneratorTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	// Health check
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")
	router.HandleFunc("/api/health", api.HealthCheck).Methods("GET")

	// Plate generation
	router.HandleFunc("/api/plate", api.CreatePlate).Methods("POST")
	router.HandleFunc("/api/plate/{session}/{file}", api.GetArtifact).Methods("GET")

	// Node status
	router.HandleFunc("/status", api.GetStatus).Methods("GET")
	if h := api.node.MetricsHandler(); h != nil {
		router.Handle("/metrics", h).Methods("GET")
	}
}

// Handler returns the fully wrapped router.
func (api *API) Handler() http.Handler {
	return api.handler
}

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Plate generation handler
func (api *API) CreatePlate(w http.ResponseWriter, r *http.Request) {
	var req plateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		api.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := api.node.Pipeline().Generate(r.Context(), req.configuration())
	if err != nil {
		var verr *validation.Error
		switch {
		case errors.As(err, &verr):
			api.sendResponse(w, http.StatusBadRequest, APIResponse{
				Success: false,
				Error:   verr.Error(),
				Data:    validationDetail{Field: verr.Field(), Code: verr.Code},
			})
		case errors.Is(err, core.ErrGenerator):
			api.logger.Error("Plate generation failed", zap.Error(err))
			api.sendError(w, "Failed to generate plate", http.StatusBadGateway)
		default:
			api.logger.Error("Plate request failed", zap.Error(err))
			api.sendError(w, "Internal error", http.StatusInternalServerError)
		}
		return
	}

	downloads := make(map[string]string, 2)
	for _, kind := range cache.ArtifactKinds() {
		downloads[kind.String()] = fmt.Sprintf("/api/plate/%s/%s", result.SessionID, kind.FileName())
	}

	api.sendResponse(w, http.StatusCreated, APIResponse{
		Success: true,
		Data: plateResponse{
			SessionID:   result.SessionID,
			Fingerprint: result.Fingerprint,
			CacheHit:    result.CacheHit,
			Downloads:   downloads,
		},
	})
}

// Artifact download handler
func (api *API) GetArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	kind, ok := cache.ParseArtifactKind(vars["file"])
	if !ok {
		api.sendError(w, "Unknown artifact", http.StatusNotFound)
		return
	}

	data, err := api.node.Pipeline().Artifact(r.Context(), vars["session"], kind)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			api.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		api.sendError(w, "Failed to read artifact", http.StatusInternalServerError)
		return
	}

	// Set appropriate headers for file download
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", kind.FileName()))
	w.Header().Set("Content-Type", kind.ContentType())
	if _, err := w.Write(data); err != nil {
		api.logger.Error("Failed to stream artifact", zap.Error(err))
	}
}

// Node status handler
func (api *API) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.node.Status(r.Context())
	if err != nil {
		api.logger.Error("Failed to get node status", zap.Error(err))
		api.sendError(w, "Failed to get node status", http.StatusInternalServerError)
		return
	}

	api.sendResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    status,
	})
}

// Helper functions
func (api *API) sendResponse(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	api.sendResponse(w, status, APIResponse{
		Success: false,
		Error:   message,
	})
}

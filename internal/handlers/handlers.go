package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/apperrors"
	"github.com/example/sigverify/internal/auth"
	"github.com/example/sigverify/internal/repository"
	"github.com/example/sigverify/internal/usecase"
	"github.com/example/sigverify/internal/verification"
)

// MaxUploadSize is the default per-file upload limit.
const MaxUploadSize = 10 << 20

// multipartOverhead is the allowance for form boundaries and headers on top
// of the file payloads.
const multipartOverhead = 1 << 20

const requestIDHeader = "X-Request-ID"

// Service is the use case surface the HTTP layer depends on.
type Service interface {
	Predict(ctx context.Context, requestID string, image []byte) (verification.Classification, error)
	Verify(ctx context.Context, requestID string, reference, test []byte) (verification.Verdict, error)
	ReloadModel(ctx context.Context, requestID string) (*verification.LoadedModel, error)
	ModelInfo() usecase.ModelInfo
	ModelLoaded() bool
	ListRuns(ctx context.Context, limit int) ([]repository.TrainingRun, error)
	GetRun(ctx context.Context, runID string) (*repository.TrainingRun, error)
	GetTrainingSummary(ctx context.Context) (*usecase.TrainingSummary, error)
	EnqueueTraining(ctx context.Context, requestID, userID string, epochs int) (*usecase.TrainingTicket, error)
}

// Options configures the HTTP layer.
type Options struct {
	MaxUploadSize int64
	CORSOrigins   []string
	Logger        *zap.Logger
}

type trainRequest struct {
	Epochs int `json:"epochs" binding:"omitempty,min=1,max=1000"`
}

type handler struct {
	svc       Service
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Model reload and
// training require authentication.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, opts Options) {
	h := &handler{svc: svc, maxUpload: opts.MaxUploadSize, logger: opts.Logger}
	if h.maxUpload <= 0 {
		h.maxUpload = MaxUploadSize
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	h.logger = h.logger.Named("http")

	router.Use(requestID(), accessLog(h.logger))
	if len(opts.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		if len(opts.CORSOrigins) == 1 && opts.CORSOrigins[0] == "*" {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = opts.CORSOrigins
		}
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", requestIDHeader)
		corsCfg.ExposeHeaders = []string{requestIDHeader}
		router.Use(cors.New(corsCfg))
	}

	router.GET("/", h.root)
	router.GET("/health", h.health)
	router.POST("/predict", h.predict)
	router.POST("/verify", h.verify)

	modelGroup := router.Group("/model")
	modelGroup.GET("/info", h.modelInfo)
	modelGroup.GET("/runs", h.listRuns)
	modelGroup.GET("/runs/summary", h.runSummary)
	modelGroup.GET("/runs/:id", h.getRun)
	modelGroup.POST("/reload", authMiddleware, h.reload)
	modelGroup.POST("/train", authMiddleware, h.train)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDHeader)),
		)
	}
}

func (h *handler) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":      "signature verification",
		"model_loaded": h.svc.ModelLoaded(),
		"endpoints": gin.H{
			"health":  "GET /health",
			"predict": "POST /predict",
			"verify":  "POST /verify",
			"info":    "GET /model/info",
			"runs":    "GET /model/runs",
			"reload":  "POST /model/reload",
			"train":   "POST /model/train",
		},
	})
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": h.svc.ModelLoaded(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) predict(c *gin.Context) {
	files, ok := h.readImages(c, "file")
	if !ok {
		return
	}
	result, err := h.svc.Predict(c.Request.Context(), c.GetString(requestIDHeader), files[0])
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"prediction":    result.Label,
		"confidence":    round(result.Confidence, 2),
		"probability":   round(result.Probability, 4),
		"threshold":     h.svc.ModelInfo().ConfidenceThreshold,
		"model_version": result.Version,
		"details": gin.H{
			"genuine_probability": round(result.Probability, 4),
			"forged_probability":  round(1-result.Probability, 4),
		},
		"request_id": c.GetString(requestIDHeader),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) verify(c *gin.Context) {
	files, ok := h.readImages(c, "reference", "test")
	if !ok {
		return
	}
	verdict, err := h.svc.Verify(c.Request.Context(), c.GetString(requestIDHeader), files[0], files[1])
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"match":            verdict.Match,
		"similarity_score": round(verdict.Similarity*100, 2),
		"reference": gin.H{
			"prediction": verdict.Reference.Label,
			"confidence": round(verdict.Reference.Confidence, 2),
		},
		"test": gin.H{
			"prediction": verdict.Test.Label,
			"confidence": round(verdict.Test.Confidence, 2),
		},
		"verdict":       verdict.Outcome(),
		"model_version": verdict.Reference.Version,
		"request_id":    c.GetString(requestIDHeader),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) modelInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ModelInfo())
}

func (h *handler) reload(c *gin.Context) {
	loaded, err := h.svc.ReloadModel(c.Request.Context(), c.GetString(requestIDHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"name":      loaded.Name,
		"version":   loaded.Version,
		"loaded_at": loaded.LoadedAt,
	})
}

func (h *handler) train(c *gin.Context) {
	var req trainRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "invalid_request"})
			return
		}
	}
	userID, _ := auth.GetUserID(c.Request.Context())
	ticket, err := h.svc.EnqueueTraining(c.Request.Context(), c.GetString(requestIDHeader), userID, req.Epochs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ticket)
}

func (h *handler) listRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500", "kind": "invalid_request"})
			return
		}
		limit = n
	}
	runs, err := h.svc.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *handler) runSummary(c *gin.Context) {
	summary, err := h.svc.GetTrainingSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) getRun(c *gin.Context) {
	run, err := h.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// readImages reads the named multipart file fields, enforcing the size limit
// and an image content type on each.
func (h *handler) readImages(c *gin.Context, fields ...string) ([][]byte, bool) {
	limit := h.maxUpload*int64(len(fields)) + multipartOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	out := make([][]byte, 0, len(fields))
	for _, field := range fields {
		file, err := c.FormFile(field)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				h.tooLarge(c)
				return nil, false
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": field + " file is required", "kind": "invalid_request"})
			return nil, false
		}
		if file.Size > h.maxUpload {
			h.tooLarge(c)
			return nil, false
		}
		if ct := file.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": field + " must be an image (PNG, JPG, JPEG, BMP, TIFF)", "kind": "unsupported_media_type"})
			return nil, false
		}
		data, err := readFile(file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + field, "kind": string(apperrors.KindInternal)})
			return nil, false
		}
		out = append(out, data)
	}
	return out, true
}

func (h *handler) tooLarge(c *gin.Context) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file exceeds upload limit of " + strconv.FormatInt(h.maxUpload, 10) + " bytes", "kind": "too_large"})
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func (h *handler) writeError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case kind == apperrors.KindDecode:
		status = http.StatusBadRequest
	case kind == apperrors.KindModelUnavailable:
		status = http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrRunNotFound):
		status = http.StatusNotFound
		kind = "not_found"
	case errors.Is(err, usecase.ErrFeatureDisabled):
		status = http.StatusNotImplemented
		kind = "not_configured"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDHeader)))
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind, "request_id": c.GetString(requestIDHeader)})
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

package server

import (
	"errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"io"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/pkg/apperr"
	"media-pipeline/service"
	"media-pipeline/upload"
	"net/http"
	"strconv"
)

const (
	headerUserID   = "X-User-ID"
	headerChecksum = "X-Checksum"
)

type api struct {
	logger      *zerolog.Logger
	uploads     *upload.Assembler
	jobs        *service.JobService
	maxPartSize int64
}

func addRoutes(r *gin.Engine, a *api) {
	r.Use(requestLogger(a.logger))
	addHealth(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	uploads := r.Group("/uploads")
	uploads.POST("", a.initUpload)
	uploads.PUT("/:id/parts/:index", a.uploadPart)
	uploads.GET("/:id", a.uploadStatus)
	uploads.DELETE("/:id", a.abortUpload)
	uploads.POST("/:id/complete", a.completeUpload)

	jobs := r.Group("/jobs")
	jobs.POST("", a.submitJob)
	jobs.GET("/:id", a.getJob)
}

// requestLogger makes logger available to handlers through zerolog.Ctx on the request context.
func requestLogger(logger *zerolog.Logger) gin.HandlerFunc {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return func(c *gin.Context) {
		l := logger.With().Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
}

// statusFor maps an error code to the HTTP status returned to callers.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidTransition:
		return http.StatusConflict
	case apperr.CodeChecksumMismatch, apperr.CodeIncompleteUpload, apperr.CodeMediaProbeFailed, apperr.CodeMediaEncodeFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		message = "internal error"
	} else {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			message = appErr.Message
		}
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{Code: string(code), Message: message})
}

func userID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.GetHeader(headerUserID))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{Code: "UNAUTHORIZED", Message: headerUserID + " header is required"})
		return uuid.Nil, false
	}
	return id, true
}

func (a *api) initUpload(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	var req dto.InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	s, err := a.uploads.Init(c.Request.Context(), upload.InitRequest{
		UserID:      user,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		TotalSize:   req.TotalSize,
		ChunkSize:   req.ChunkSize,
		Metadata: upload.Metadata{
			Title:              req.Title,
			Description:        req.Description,
			Category:           req.Category,
			Tags:               req.Tags,
			Visibility:         req.Visibility,
			UseAdaptiveStorage: req.UseAdaptiveStorage,
		},
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto.InitUploadResponse{SessionID: s.ID})
}

func (a *api) uploadPart(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		abortWithError(c, apperr.Validation("part index %q is not a number", c.Param("index")))
		return
	}

	body := c.Request.Body
	if a.maxPartSize > 0 {
		body = http.MaxBytesReader(c.Writer, body, a.maxPartSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.ErrorResponse{
				Code:    string(apperr.CodeValidation),
				Message: "part exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		abortWithError(c, apperr.Validation("read part body: %v", err))
		return
	}

	res, err := a.uploads.UploadPart(c.Request.Context(), c.Param("id"), index, data, c.GetHeader(headerChecksum))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.UploadPartResponse{Index: res.Index, Size: res.Size, UploadedBytes: res.UploadedBytes})
}

func (a *api) uploadStatus(c *gin.Context) {
	res, err := a.uploads.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.UploadStatusResponse{
		UploadedBytes:       res.UploadedBytes,
		ReceivedPartIndexes: res.ReceivedPartIndexes,
		TotalSize:           res.TotalSize,
		ChunkSize:           res.ChunkSize,
	})
}

func (a *api) abortUpload(c *gin.Context) {
	if err := a.uploads.Abort(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) completeUpload(c *gin.Context) {
	res, err := a.uploads.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.CompleteUploadResponse{ContentID: res.ContentID, JobID: res.JobID})
}

type submitJobRequest struct {
	ContentID   uuid.UUID        `json:"contentId" binding:"required"`
	Type        constant.JobType `json:"type" binding:"required"`
	Timestamps  []string         `json:"timestamps"`
	Resolutions []int            `json:"resolutions"`
}

func (a *api) submitJob(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	job, err := a.jobs.Submit(c.Request.Context(), service.SubmitRequest{
		UserID:      user,
		ContentID:   req.ContentID,
		Type:        req.Type,
		Timestamps:  req.Timestamps,
		Resolutions: req.Resolutions,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (a *api) getJob(c *gin.Context) {
	user, ok := userID(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, apperr.NotFound("job", c.Param("id")))
		return
	}
	job, err := a.jobs.Get(c.Request.Context(), user, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

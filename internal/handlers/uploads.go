package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"adreel-backend/internal/logger"
	"adreel-backend/internal/models"
)

const maxUploadBytes = 20 << 20

// Uploader stores a user's file and returns its storage path and public URL.
type Uploader interface {
	UploadFile(userID uuid.UUID, filename, contentType string, data []byte) (string, string, error)
}

type UploadsHandler struct {
	storage Uploader
	log     *logger.Logger
}

func NewUploadsHandler(storage Uploader, log *logger.Logger) *UploadsHandler {
	return &UploadsHandler{storage: storage, log: log.With("component", "UploadsHandler")}
}

// Upload stores one product image and returns the URL to trigger jobs with.
func (h *UploadsHandler) Upload(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+(1<<20))
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "failed to parse multipart form",
			Message: err.Error(),
		})
		return
	}

	// Try the common field names
	var header *multipart.FileHeader
	for _, field := range []string{"file", "image"} {
		if files := c.Request.MultipartForm.File[field]; len(files) > 0 {
			header = files[0]
			break
		}
	}
	if header == nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "no file uploaded",
			Message: "please provide the image in a field named file or image",
		})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error:   "file too large",
			Message: fmt.Sprintf("maximum size is %d bytes", maxUploadBytes),
		})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to open file", Message: err.Error()})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "failed to read file", Message: err.Error()})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, models.ErrorResponse{
			Error:   "unsupported file type",
			Message: "only images can be uploaded, got " + contentType,
		})
		return
	}

	storagePath, url, err := h.storage.UploadFile(userID, header.Filename, contentType, data)
	if err != nil {
		h.log.Error("upload failed", "user_id", userID, "filename", header.Filename, "error", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "failed to store file", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, models.UploadResponse{
		StoragePath: storagePath,
		URL:         url,
		Size:        int64(len(data)),
	})
}

package handlers

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"

	"argumentum/bursar/internal/storage"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
)

func countStorageRequest(operation, outcome string) {
	if metrics != nil && metrics.StorageRequests != nil {
		metrics.StorageRequests.WithLabelValues(operation, outcome).Inc()
	}
}

// UploadAttachment handles POST /attachments: a multipart upload stored
// under petitions/<petition_id>/<uuid>-<filename>. The uuid prefix keeps
// re-uploads of the same filename from overwriting each other.
func UploadAttachment(c middleware.Context) {
	if storageClient == nil {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Storage not configured"})
		return
	}

	petitionID := c.PostForm("petition_id")
	if petitionID == "" {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "petition_id is required"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "file is required"})
		return
	}

	maxBytes := config.GetEnvInt64("ATTACHMENT_MAX_BYTES", 25<<20)
	if fileHeader.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, bursarapi.ErrorResponse{Error: "Attachment too large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Failed to open uploaded file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Failed to read uploaded file"})
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	filename := path.Base(fileHeader.Filename)
	key := "petitions/" + petitionID + "/" + uuid.New().String() + "-" + filename

	url, err := storageClient.Upload(c.Request.Context(), key, data, contentType)
	if err != nil {
		countStorageRequest("upload", "error")
		logger.WithError(err).WithFields(logging.Fields{
			"petition_id": petitionID,
			"key":         key,
		}).Error("Failed to store attachment")
		if se, ok := err.(*storage.StorageError); ok {
			c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{
				Error: "Storage rejected the upload: " + se.Code,
			})
			return
		}
		c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "Failed to store attachment"})
		return
	}

	countStorageRequest("upload", "ok")
	c.JSON(http.StatusOK, bursarapi.UploadResponse{Key: key, URL: url})
}

// DeleteAttachment handles DELETE /attachments/*key
func DeleteAttachment(c middleware.Context) {
	if storageClient == nil {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Storage not configured"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || !strings.HasPrefix(key, "petitions/") {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid attachment key"})
		return
	}

	if err := storageClient.Delete(c.Request.Context(), key); err != nil {
		countStorageRequest("delete", "error")
		logger.WithError(err).WithField("key", key).Error("Failed to delete attachment")
		c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "Failed to delete attachment"})
		return
	}

	countStorageRequest("delete", "ok")
	c.JSON(http.StatusOK, middleware.H{"deleted": key})
}

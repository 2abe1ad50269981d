package handlers

import (
	"log/slog"
	"net/http"
	"time"
)

// SignedURLExpiry is how long a download link stays valid.
const SignedURLExpiry = 15 * time.Minute

// DownloadResponse is returned instead of a redirect when ?redirect=false.
type DownloadResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleDownload redirects to a presigned URL for the archived original upload.
// GET /api/v1/documents/{id}/download
//
// Query parameters:
//   - redirect: "false" returns the URL as JSON instead of a 307
func HandleDownload(db Database, objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if objects == nil {
			RespondServiceUnavailable(w, "Storage service not available")
			return
		}

		doc, ok := lookupDocument(w, r, db, logger)
		if !ok {
			return
		}
		if doc.StoragePath == "" {
			RespondNotFound(w, "Original file not available")
			return
		}

		url, err := objects.GenerateSignedURL(r.Context(), doc.StoragePath, SignedURLExpiry)
		if err != nil {
			logger.Error("failed to generate signed URL", "key", doc.StoragePath, "error", err)
			RespondInternalError(w, "Failed to generate download URL", nil)
			return
		}

		logger.Info("download initiated", "document_id", doc.ID, "key", doc.StoragePath)

		if r.URL.Query().Get("redirect") == "false" {
			RespondJSON(w, http.StatusOK, DownloadResponse{
				URL:       url,
				ExpiresAt: time.Now().Add(SignedURLExpiry).UTC(),
			})
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}
}

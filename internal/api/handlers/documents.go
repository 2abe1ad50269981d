package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alqutdigital/docqa-agent/internal/ingest"
	"github.com/alqutdigital/docqa-agent/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// multipartOverhead is allowed on top of the file size limit for form framing.
const multipartOverhead = 1 << 20

// DocumentsResponse lists a session's documents.
type DocumentsResponse struct {
	Documents []storage.Document `json:"documents"`
}

// HandleUpload ingests a document synchronously. Progress is streamed to sink
// while the request is open.
// POST /api/v1/documents (multipart/form-data, field "file")
//
// Response: {"document": {...}, "chunks": 12}
func HandleUpload(pipeline Ingester, sink ingest.ProgressSink, logger *slog.Logger) http.HandlerFunc {
	if sink == nil {
		sink = ingest.Discard
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}
		limits := pipeline.Limits()

		if limits.MaxFileSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limits.MaxFileSize+multipartOverhead)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				RespondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, limits.TooLargeMessage())
			case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
				RespondBadRequest(w, ingest.MsgNoFile)
			default:
				logger.Warn("failed to parse upload", "error", err)
				RespondBadRequest(w, "Invalid multipart form")
			}
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			logger.Warn("failed to read upload", "filename", header.Filename, "error", err)
			RespondBadRequest(w, "Failed to read uploaded file")
			return
		}

		result, err := pipeline.Run(r.Context(), sid, ingest.Upload{
			Filename: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		}, sink)
		if err != nil {
			respondIngestError(w, err)
			return
		}

		RespondJSON(w, http.StatusCreated, result)
	}
}

// respondIngestError maps pipeline failures to HTTP statuses.
func respondIngestError(w http.ResponseWriter, err error) {
	var ve *ingest.ValidationError
	if errors.As(err, &ve) {
		switch ve.Reason {
		case ingest.ReasonTooLarge:
			RespondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, ve.Message)
		case ingest.ReasonUnsupported:
			RespondError(w, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType, ve.Message)
		default:
			RespondBadRequest(w, ve.Message)
		}
		return
	}

	var se *ingest.StageError
	if errors.As(err, &se) && se.Kind == ingest.KindExtraction {
		RespondValidationError(w, se.UserMessage(), map[string]any{"stage": se.Stage})
		return
	}

	RespondInternalError(w, "Failed to process document", err.Error())
}

// ListDocuments returns the session's documents, newest first.
// GET /api/v1/documents
func ListDocuments(db Database, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid, ok := sessionID(w, r)
		if !ok {
			return
		}

		docs, err := db.ListDocuments(r.Context(), sid)
		if err != nil {
			logger.Error("failed to fetch documents", "session_id", sid, "error", err)
			RespondInternalError(w, "Failed to fetch documents", err.Error())
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}

		RespondJSON(w, http.StatusOK, DocumentsResponse{Documents: docs})
	}
}

// GetDocument returns one of the session's documents.
// GET /api/v1/documents/{id}
func GetDocument(db Database, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, r, db, logger)
		if !ok {
			return
		}
		RespondJSON(w, http.StatusOK, doc)
	}
}

// DeleteDocument removes a document, its chunks and its archived original.
// DELETE /api/v1/documents/{id}
func DeleteDocument(db Database, objects ObjectStorage, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := lookupDocument(w, r, db, logger)
		if !ok {
			return
		}

		if err := db.DeleteDocument(r.Context(), doc.SessionID, doc.ID); err != nil {
			RespondStoreError(w, logger, err, "Document not found", "Failed to delete document", "document_id", doc.ID)
			return
		}

		if objects != nil && doc.StoragePath != "" {
			if err := objects.Delete(r.Context(), doc.StoragePath); err != nil {
				logger.Warn("failed to delete archived original",
					"document_id", doc.ID,
					"key", doc.StoragePath,
					"error", err,
				)
			}
		}

		logger.Info("document deleted", "session_id", doc.SessionID, "document_id", doc.ID)
		RespondSuccess(w, nil)
	}
}

// lookupDocument resolves the {id} URL parameter (or ?id=) within the caller's
// session and writes the error response when it cannot.
func lookupDocument(w http.ResponseWriter, r *http.Request, db Database, logger *slog.Logger) (*storage.Document, bool) {
	sid, ok := sessionID(w, r)
	if !ok {
		return nil, false
	}

	idStr := chi.URLParam(r, "id")
	if idStr == "" {
		idStr = r.URL.Query().Get("id")
	}
	if idStr == "" {
		RespondBadRequest(w, "Document ID required")
		return nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		RespondBadRequest(w, "Invalid document ID")
		return nil, false
	}

	doc, err := db.GetDocument(r.Context(), sid, id)
	if err != nil {
		RespondStoreError(w, logger, err, "Document not found", "Failed to fetch document", "document_id", id)
		return nil, false
	}
	return doc, true
}

package handler

import (
	"net/http"

	"brivet/internal/apperr"
	"brivet/internal/dto"
	"brivet/internal/logger"
)

const defaultPerPage = 24

// HistoryHandler handles GET /api/history?page=&per_page=, newest first.
func HistoryHandler(history History, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		perPage := atoiDefault(q.Get("per_page"), defaultPerPage)

		records, total, err := history.List(page, perPage)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewHistoryPage(records, total, page, perPage))
	}
}

// HistoryItemHandler handles GET /api/history/{id}, including detections.
func HistoryItemHandler(history History, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		rec, err := history.Get(id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, dto.NewHistoryItem(rec))
	}
}

// DeleteHistoryHandler handles DELETE /api/history/{id}, removing the record
// and its image.
func DeleteHistoryHandler(history History, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		if err := history.Delete(id); err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, logger, map[string]int64{"deleted": id})
	}
}

// HistoryImageHandler handles GET /api/history/{id}/image and serves the
// annotated JPEG.
func HistoryImageHandler(history History, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		rec, err := history.Get(id)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		path := history.ImagePath(rec)
		if path == "" {
			writeError(w, logger, apperr.ErrNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "max-age=86400")
		http.ServeFile(w, r, path)
	}
}

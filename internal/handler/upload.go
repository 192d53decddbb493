package handler

import (
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"vidachat/internal/upload"
)

// UploadAttachment handles POST /api/chat/upload
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())
	log.Printf("[POST /api/chat/upload] Request received from %s", user.ID)

	// multipart のヘッダー分だけ余裕を持たせる
	r.Body = http.MaxBytesReader(w, r.Body, h.Uploads.MaxBytes()+1<<20)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, upload.ErrTooLarge.Error())
			return
		}
		log.Printf("[POST /api/chat/upload] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	info, err := h.Uploads.Save(r.Context(), file, header.Filename, header.Header.Get("Content-Type"))
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, upload.ErrUnsupportedType), errors.Is(err, upload.ErrEmptyFile):
		log.Printf("[POST /api/chat/upload] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Printf("[POST /api/chat/upload] ❌ Storage error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		return
	}

	log.Printf("[POST /api/chat/upload] ✅ Stored %s (%d bytes, %s)", info.Name, info.Size, info.ContentType)
	writeJSON(w, http.StatusOK, map[string]string{"url": info.URL})
}

// ServeAttachment handles GET /uploads/chat/{name}
func (h *Handler) ServeAttachment(w http.ResponseWriter, r *http.Request) {
	f, err := h.Uploads.Open(mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, upload.ErrInvalidName) || errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		log.Printf("[GET %s] ❌ Failed to open: %v", r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "Failed to read file")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.NotFound(w, r)
		return
	}
	contentType, _ := upload.ContentType(stat.Name())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; sandbox")
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

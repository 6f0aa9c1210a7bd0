package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"chatty/internal/chatty"
	"chatty/internal/chatty/router"
	"chatty/internal/domain"
)

type uploadRequest struct {
	File       string `json:"file"`
	PublicID   string `json:"publicId"`
	Overwrite  *bool  `json:"overwrite"`
	Invalidate *bool  `json:"invalidate"`
}

// UploadRoutes mounts POST /api/v1/uploads on u.
func UploadRoutes(u chatty.Uploader) router.Registrar {
	return func(r *router.Router) {
		r.Handle("POST /api/v1/uploads", func(w http.ResponseWriter, req *http.Request) error {
			var in uploadRequest
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				return domain.BadRequest("request body must be a JSON object")
			}
			if strings.TrimSpace(in.File) == "" {
				return domain.ValidationFailure("file is required")
			}

			opts := chatty.UploadOptions{PublicID: in.PublicID, Overwrite: true}
			if in.Overwrite != nil {
				opts.Overwrite = *in.Overwrite
			}
			if in.Invalidate != nil {
				opts.Invalidate = *in.Invalidate
			}

			meta, err := u.Upload(req.Context(), in.File, opts)
			if err != nil {
				return fmt.Errorf("uploading %q: %w", in.PublicID, err)
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			return json.NewEncoder(w).Encode(meta)
		})
	}
}

package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"chatty/internal/chatty"
	"chatty/internal/domain"
)

// BodyParser buffers request bodies up to limit bytes. Oversized bodies are
// reported to onError as PayloadTooLarge and the handler never runs. JSON
// bodies must be well formed; urlencoded bodies are parsed into r.PostForm.
// The buffered body stays readable by handlers.
func BodyParser(limit int64, onError chatty.ErrorHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					onError(w, r, domain.PayloadTooLarge(fmt.Sprintf("request body exceeds %d bytes", limit)))
					return
				}
				onError(w, r, domain.BadRequest("could not read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if len(body) > 0 {
				mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
				switch mediaType {
				case "application/json":
					if !json.Valid(body) {
						onError(w, r, domain.BadRequest("malformed JSON body"))
						return
					}
				case "application/x-www-form-urlencoded":
					form, err := url.ParseQuery(string(body))
					if err != nil {
						onError(w, r, domain.BadRequest("malformed form body"))
						return
					}
					r.PostForm = form
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

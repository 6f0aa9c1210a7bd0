package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows credentialed cross-origin requests from origin only.
// Preflight requests are answered with 200 and never reach the routes.
func CORS(origin string) Middleware {
	c := cors.New(cors.Options{
		AllowedOrigins:       []string{origin},
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:       []string{"*"},
		AllowCredentials:     true,
		OptionsSuccessStatus: http.StatusOK,
	})
	return c.Handler
}

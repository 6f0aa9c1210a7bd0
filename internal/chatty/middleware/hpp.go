package middleware

import (
	"net/http"
	"net/url"

	"chatty/internal/chatty"
)

// ParamPollution guards against HTTP parameter pollution. A query key that
// appears more than once is collapsed to its last value unless the key is
// whitelisted. The original values are kept in the request context and can
// be read with chatty.PollutedQuery.
func ParamPollution(whitelist ...string) Middleware {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, k := range whitelist {
		allowed[k] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.RawQuery == "" {
				next.ServeHTTP(w, r)
				return
			}

			query := r.URL.Query()
			polluted := url.Values{}
			for key, vals := range query {
				if len(vals) < 2 {
					continue
				}
				if _, ok := allowed[key]; ok {
					continue
				}
				polluted[key] = vals
				query[key] = vals[len(vals)-1:]
			}
			if len(polluted) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			r2 := r.WithContext(chatty.ContextWithPollutedQuery(r.Context(), polluted))
			u := *r.URL
			u.RawQuery = query.Encode()
			r2.URL = &u
			next.ServeHTTP(w, r2)
		})
	}
}

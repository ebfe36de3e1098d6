package i18n

import "net/http"

// Middleware negotiates the request language from the lang query parameter
// or Accept-Language and injects its localizer. lang is the fallback.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accept := r.URL.Query().Get("lang")
			if accept == "" {
				accept = r.Header.Get("Accept-Language")
			}
			chosen := lang
			if accept != "" {
				chosen = Match(accept)
			}
			w.Header().Set("Content-Language", chosen)
			next.ServeHTTP(w, r.WithContext(WithLang(r.Context(), chosen)))
		})
	}
}

package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/koripet/koripet/pkg/models"
)

type contextKey string

// PetIDKey is the context key for the pet ID.
const PetIDKey contextKey = "pet_id"

// PetExtractor extracts the pet ID from the request. It checks the
// X-Pet-Id header, then the petId query parameter, and falls back to the
// default pet.
func PetExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		petID := ""

		if h := r.Header.Get("X-Pet-Id"); h != "" {
			petID = strings.TrimSpace(h)
		}

		if petID == "" {
			if q := r.URL.Query().Get("petId"); q != "" {
				petID = strings.TrimSpace(q)
			}
		}

		if petID == "" {
			petID = models.DefaultPetID
		}

		ctx := context.WithValue(r.Context(), PetIDKey, petID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetPetID retrieves the pet ID from the request context.
func GetPetID(ctx context.Context) string {
	if v, ok := ctx.Value(PetIDKey).(string); ok {
		return v
	}
	return models.DefaultPetID
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"LinguaFM/cache"
	"LinguaFM/config"
	"LinguaFM/core/assetstore"
	"LinguaFM/core/auth"
	"LinguaFM/core/content"
	"LinguaFM/core/pregen"
	"LinguaFM/core/retrieval"
	"LinguaFM/core/voices"
	"LinguaFM/repository"
)

type contextKey string

const (
	userIDKey   contextKey = "userID"
	usernameKey contextKey = "username"
)

// APIHandler 聚合 HTTP 层用到的全部依赖
type APIHandler struct {
	cfg        *config.Config
	retrieval  *retrieval.Service
	store      *assetstore.Store
	enumerator *pregen.Enumerator
	content    *content.Client
	statusRepo repository.StatusRepository
	jobRepo    repository.JobRepository
	catalog    *voices.Catalog
	leases     *cache.LeaseManager
}

// NewAPIHandler 创建 API 处理器
func NewAPIHandler(cfg *config.Config, retrievalSvc *retrieval.Service, store *assetstore.Store,
	enumerator *pregen.Enumerator, contentClient *content.Client,
	statusRepo repository.StatusRepository, jobRepo repository.JobRepository,
	catalog *voices.Catalog, leases *cache.LeaseManager) *APIHandler {

	return &APIHandler{
		cfg:        cfg,
		retrieval:  retrievalSvc,
		store:      store,
		enumerator: enumerator,
		content:    contentClient,
		statusRepo: statusRepo,
		jobRepo:    jobRepo,
		catalog:    catalog,
		leases:     leases,
	}
}

// AuthMiddleware is a middleware function that checks for a valid JWT token
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(h.cfg.JWTSecret, parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, usernameKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (int64, error) {
	userID, ok := ctx.Value(userIDKey).(int64)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

package health

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/serroba/ratekeeper-go/internal/middleware"
)

// Checker defines the interface for checking a dependency's health.
type Checker interface {
	Ping(ctx context.Context) error
}

// RedisChecker adapts redis.Client to the Checker interface.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a new Redis health checker.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

// Ping checks Redis connectivity.
func (r *RedisChecker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// PostgresChecker adapts pgxpool.Pool to the Checker interface.
type PostgresChecker struct {
	pool *pgxpool.Pool
}

// NewPostgresChecker creates a new PostgreSQL health checker.
func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

// Ping checks PostgreSQL connectivity.
func (p *PostgresChecker) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Handler handles health check operations.
type Handler struct {
	checkers map[string]Checker
}

// NewHandler creates a health handler over the given named dependencies.
func NewHandler(checkers map[string]Checker) *Handler {
	return &Handler{checkers: checkers}
}

// Response is the response for the health check endpoint.
type Response struct {
	Body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
}

// Check reports the health of the service and its backing stores.
func (h *Handler) Check(ctx context.Context, _ *struct{}) (*Response, error) {
	resp := &Response{}
	resp.Body.Status = "ok"
	resp.Body.Dependencies = make(map[string]string, len(h.checkers))

	for name, checker := range h.checkers {
		if err := checker.Ping(ctx); err != nil {
			resp.Body.Dependencies[name] = "unhealthy"
			resp.Body.Status = "degraded"
		} else {
			resp.Body.Dependencies[name] = "healthy"
		}
	}

	return resp, nil
}

// RegisterRoutes registers health check routes. Probes are exempt from the
// rate-limit guard.
func RegisterRoutes(api huma.API, h *Handler) {
	huma.Register(api, huma.Operation{
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"Health"},
		Metadata: map[string]any{
			middleware.GuardMetadataKey: middleware.GuardConfig{Disabled: true},
		},
	}, h.Check)
}

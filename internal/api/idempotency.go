package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"procurement-service/internal/redisclient"
	"procurement-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyStore remembers responses by Idempotency-Key
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (redisclient.Claim, error)
	SaveIdempotentResponse(ctx context.Context, key string, response []byte, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotencyMiddleware replays the first response of a mutating request for every
// retry carrying the same Idempotency-Key. Server errors are not remembered.
func idempotencyMiddleware(store IdempotencyStore, ttl time.Duration) gin.HandlerFunc {
	logger := util.Named("idempotency")
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if store == nil || key == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		actor := actorFrom(c)
		scoped := fmt.Sprintf("%s:%s:%s:%s", actor.ID, c.Request.Method, c.Request.URL.Path, key)
		ctx := c.Request.Context()

		claim, err := store.ClaimIdempotencyKey(ctx, scoped, ttl)
		if err != nil {
			logger.Warn("Idempotency store unavailable, running request", zap.Error(err))
			c.Next()
			return
		}
		if claim.InFlight {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "RequestInProgress",
				"details": "a request with this Idempotency-Key is still running",
			})
			return
		}
		if claim.Response != nil {
			var stored storedResponse
			if err := json.Unmarshal(claim.Response, &stored); err == nil {
				util.IdempotentReplaysTotal.Inc()
				c.Header("Idempotent-Replayed", "true")
				c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
				c.Abort()
				return
			}
			logger.Warn("Discarding unreadable idempotent response", zap.String("key", key))
		}

		// The request context may already be done once the handler returns.
		detached := func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 5*time.Second)
		}
		release := func() {
			releaseCtx, cancel := detached()
			defer cancel()
			if err := store.ReleaseIdempotencyKey(releaseCtx, scoped); err != nil {
				logger.Warn("Failed to release idempotency key", zap.Error(err))
			}
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w
		finished := false
		defer func() {
			// A panicking handler unwinds through here on its way to gin.Recovery.
			if !finished {
				release()
			}
		}()
		c.Next()
		finished = true

		status := w.Status()
		if status >= http.StatusInternalServerError {
			release()
			return
		}
		raw, err := json.Marshal(storedResponse{Status: status, Body: w.body.Bytes()})
		if err != nil {
			return
		}
		saveCtx, cancel := detached()
		defer cancel()
		if err := store.SaveIdempotentResponse(saveCtx, scoped, raw, ttl); err != nil {
			logger.Warn("Failed to save idempotent response", zap.Error(err))
		}
	}
}

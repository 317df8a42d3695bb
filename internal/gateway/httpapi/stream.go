package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
	"github.com/kestrelid/kestrel/internal/security"
)

const (
	logStreamPollInterval = 2 * time.Second
	logStreamBatchLimit   = 100
)

// handleLogStream upgrades GET /v1/services/{serviceID}/logs/stream to a
// WebSocket and tails the execution log. New rows are pushed as JSON, one
// message per row, oldest first within a poll.
func (g *Gateway) handleLogStream(w http.ResponseWriter, r *http.Request) {
	// Browser WebSocket clients cannot set an Authorization header, so the
	// key may come via ?token= instead.
	apiKey := r.URL.Query().Get("token")
	if apiKey == "" {
		apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	p, ok := g.keychain.Lookup(apiKey)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	serviceID, err := serviceIDFromStreamPath(r.URL.Path)
	if err != nil {
		http.Error(w, "invalid service ID", http.StatusBadRequest)
		return
	}
	if err := g.authz.Authorize(r.Context(), p, serviceID, security.RightLogsRead); err != nil {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"kestrel-logs-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	g.logger.Info("log stream opened",
		slog.String("key", p.KeyID),
		slog.String("service_id", serviceID.String()),
	)

	g.streamLogs(r.Context(), conn, serviceID)
}

// serviceIDFromStreamPath extracts the service ID from
// /v1/services/{serviceID}/logs/stream.
func serviceIDFromStreamPath(path string) (uuid.UUID, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "services" && i+1 < len(parts) {
			return uuid.Parse(parts[i+1])
		}
	}
	return uuid.Nil, fmt.Errorf("no service segment in %q", path)
}

// streamLogs polls the execution log and pushes rows newer than the cursor.
// Returns when the client disconnects or ctx is canceled.
func (g *Gateway) streamLogs(ctx context.Context, conn *websocket.Conn, serviceID uuid.UUID) {
	// Closing detection: the read pump fails as soon as the peer goes away.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	cursor := time.Now().UTC()
	seen := make(map[uuid.UUID]struct{})

	ticker := time.NewTicker(logStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readCtx.Done():
			return
		case <-ticker.C:
		}

		from := cursor
		execs, err := g.actions.Logs(readCtx, serviceID, domain.ExecutionFilter{
			From:  &from,
			Limit: logStreamBatchLimit,
		})
		if err != nil {
			g.logger.Warn("log stream query failed",
				slog.String("service_id", serviceID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		// Rows arrive newest first; push oldest first.
		for i := len(execs) - 1; i >= 0; i-- {
			e := execs[i]
			if _, dup := seen[e.ID]; dup {
				continue
			}
			data, err := json.Marshal(toExecutionResponse(&e))
			if err != nil {
				continue
			}
			if err := conn.Write(readCtx, websocket.MessageText, data); err != nil {
				return
			}
			seen[e.ID] = struct{}{}
			if e.ExecutedAt.After(cursor) {
				cursor = e.ExecutedAt
			}
		}

		// The dedup set only needs to span the cursor boundary.
		if len(seen) > 4*logStreamBatchLimit {
			for id := range seen {
				delete(seen, id)
			}
		}
	}
}

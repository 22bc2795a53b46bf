package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"alertbridge/internal/domain"
	"alertbridge/internal/metrics"
)

// Sink processes decoded webhook batches for one target room.
// Params: context, resolved room id and batch.
// Returns: per-item result or a request-fatal error.
type Sink interface {
	Ingest(ctx context.Context, room string, batch Batch) (domain.IngestResult, error)
}

// RoomResolver maps URL room segments to chat room ids.
// Params: alias table and strict flag.
// Returns: resolver rejecting unknown names only in strict mode.
type RoomResolver struct {
	aliases map[string]string
	strict  bool
}

// NewRoomResolver creates room resolver.
func NewRoomResolver(aliases map[string]string, strict bool) RoomResolver {
	copied := make(map[string]string, len(aliases))
	for name, room := range aliases {
		copied[name] = strings.TrimSpace(room)
	}
	return RoomResolver{aliases: copied, strict: strict}
}

// Resolve returns the room id for a URL segment.
// Params: raw room segment from the request path.
// Returns: room id and false when the name is empty or unknown in strict mode.
func (r RoomResolver) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if room, ok := r.aliases[name]; ok {
		return room, true
	}
	if r.strict {
		return "", false
	}
	return name, true
}

// HTTPHandler accepts Alertmanager webhooks on {prefix}/{room}.
// Params: sink, room resolver, route prefix and body limit.
// Returns: HTTP handler mounted under prefix + "/".
type HTTPHandler struct {
	sink        Sink
	rooms       RoomResolver
	prefix      string
	maxBodySize int64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewHTTPHandler creates webhook HTTP handler.
// Params: sink, room resolver, path prefix, max request body size, metrics and logger.
// Returns: configured handler.
func NewHTTPHandler(sink Sink, rooms RoomResolver, prefix string, maxBodySize int64, recorder *metrics.Metrics, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		sink:        sink,
		rooms:       rooms,
		prefix:      "/" + strings.Trim(prefix, "/"),
		maxBodySize: maxBodySize,
		metrics:     recorder,
		logger:      logger,
	}
}

// Pattern returns the ServeMux pattern the handler expects.
func (h *HTTPHandler) Pattern() string {
	return h.prefix + "/"
}

// ServeHTTP handles one webhook delivery.
// Params: HTTP request/response writer pair.
// Returns: writes status code and JSON IngestResult on success.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	code := h.serve(writer, request)
	h.metrics.WebhookRequest("http", code)
}

func (h *HTTPHandler) serve(writer http.ResponseWriter, request *http.Request) int {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		return writeError(writer, http.StatusMethodNotAllowed, "method not allowed")
	}

	segment, ok := strings.CutPrefix(request.URL.Path, h.prefix+"/")
	if !ok || strings.Contains(segment, "/") {
		return writeError(writer, http.StatusNotFound, "unknown route")
	}
	room, ok := h.rooms.Resolve(segment)
	if !ok {
		return writeError(writer, http.StatusNotFound, "unknown room")
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return writeError(writer, http.StatusRequestEntityTooLarge, "body too large")
		}
		return writeError(writer, http.StatusBadRequest, "read body failed")
	}

	batch, err := DecodeWebhook(body)
	if err != nil {
		h.logger.Warn("webhook rejected", "room", room, "error", err.Error())
		return writeError(writer, http.StatusBadRequest, err.Error())
	}

	result, err := h.sink.Ingest(request.Context(), room, batch)
	if err != nil {
		h.logger.Error("webhook processing failed", "room", room, "error", err.Error())
		if domain.IsStoreUnavailable(err) {
			return writeError(writer, http.StatusServiceUnavailable, "state store unavailable")
		}
		return writeError(writer, http.StatusInternalServerError, "processing failed")
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(writer).Encode(result); err != nil {
		h.logger.Warn("write webhook response failed", "room", room, "error", err.Error())
	}
	return http.StatusOK
}

func writeError(writer http.ResponseWriter, code int, message string) int {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	_ = json.NewEncoder(writer).Encode(map[string]string{"error": message})
	return code
}

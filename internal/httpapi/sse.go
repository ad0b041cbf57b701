package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// StreamLogs handles GET /v1/jobs/{id}/logs/stream — a server-sent events
// subscription to a job's log output, replaying everything from
// from_sequence (default 0) before joining the live tail. The connection
// stays open until the client disconnects or the job closes.
func (h *JobHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var fromSeq uint64
	if v := r.URL.Query().Get("from_sequence"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			ErrBadRequest(w, "from_sequence must be a non-negative integer")
			return
		}
		fromSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	ch, cancel, err := h.logs.Subscribe(r.Context(), id, fromSeq)
	if err != nil {
		h.logger.Error("subscribe failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	defer cancel()

	h.metrics.LogSubscriberOpened()
	defer h.metrics.LogSubscriberClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			switch {
			case ev.Closed:
				fmt.Fprintf(w, "event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			case ev.Dropped:
				fmt.Fprintf(w, "event: dropped\ndata: {}\n\n")
				flusher.Flush()
				return
			case ev.Chunk != nil:
				fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", encodeSSEChunk(
					ev.Chunk.Sequence, ev.Chunk.Stream, ev.Chunk.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), ev.Chunk.Bytes,
				))
				flusher.Flush()
			}
		}
	}
}

// sseChunk encodes a log chunk as a single-line JSON payload for an SSE
// "data:" field. Bytes are base64-encoded since SSE data lines cannot
// contain raw newlines.
type sseChunk struct {
	Sequence  uint64 `json:"sequence"`
	Stream    string `json:"stream"`
	Timestamp string `json:"timestamp"`
	Data      string `json:"data"`
}

func encodeSSEChunk(sequence uint64, stream, timestamp string, bytes []byte) string {
	c := sseChunk{
		Sequence:  sequence,
		Stream:    stream,
		Timestamp: timestamp,
		Data:      base64.StdEncoding.EncodeToString(bytes),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const (
	eventsPath        = "/v1/invoices/events"
	heartbeatInterval = 15 * time.Second
)

// streamEvents pushes status and batch events as server-sent events. The
// current snapshot of the latest job goes out first so a reconnecting
// observer catches up without history.
func (rt *Router) streamEvents(w http.ResponseWriter, r *http.Request) {
	if rt.services.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event stream is not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming is not supported"})
		return
	}

	sub := rt.services.Events.Subscribe()
	defer sub.Close()
	if rt.metrics != nil {
		rt.metrics.StreamOpened()
		defer rt.metrics.StreamClosed()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rt.writeSnapshot(w, r.URL.Query().Get("jobId")); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, ev.Topic, ev.Payload); err != nil {
				rt.logger.Debug("sse.write_failed", "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (rt *Router) writeSnapshot(w http.ResponseWriter, jobID string) error {
	if rt.services.Status == nil {
		return nil
	}
	snapshot, err := rt.services.Status.Snapshot(jobID)
	if err != nil {
		// Unknown job ids only skip the catch-up.
		return nil
	}

	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		item := snapshot[id]
		if err := writeEvent(w, domain.TopicStatus, domain.StatusEvent{JobID: item.JobID, FileRef: id, Status: item}); err != nil {
			return err
		}
	}
	return nil
}

func writeEvent(w http.ResponseWriter, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", topic, data)
	return err
}

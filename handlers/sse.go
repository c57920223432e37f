package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/metrics"
	"github.com/adforge/adforge-api/pipeline"
)

// streamAdProgress turns the job's event queue into a text/event-stream
// response. The stream ends after the terminal complete or error event. A
// disconnecting client only stops the stream; the job keeps running and can
// be polled afterwards.
func (d *AdForgeHandlersCollection) streamAdProgress(w http.ResponseWriter, req *http.Request, info *pipeline.JobInfo) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		// no streaming support, degrade to the async response shape
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(CreateAdResponse{JobID: info.Job.JobID, Status: string(info.Job.Status)}); err != nil {
			log.LogError(info.Job.JobID, "Failed to write a /api/ads HTTP API response", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.Metrics.SSEClientsGauge.Inc()
	defer metrics.Metrics.SSEClientsGauge.Dec()

	for {
		select {
		case <-req.Context().Done():
			log.Log(info.Job.JobID, "SSE client disconnected, job continues in background")
			return
		case event, ok := <-info.Events.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				log.LogError(info.Job.JobID, "failed to write SSE event", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event pipeline.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

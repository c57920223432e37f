package handlers

import (
	"io"
	"net/http"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/pipeline"
	"github.com/julienschmidt/httprouter"
)

type AdForgeHandlersCollection struct {
	Engine *pipeline.Coordinator
	Jobs   clients.JobStore
}

func (d *AdForgeHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		if _, err := io.WriteString(w, "OK"); err != nil {
			log.LogNoJobID("Failed to write HTTP response for " + req.URL.RawPath)
		}
	}
}

package middleware

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/pipeline"
	"github.com/julienschmidt/httprouter"
)

type CapacityMiddleware struct {
	adRequestsInFlight atomic.Int64
}

// HasCapacity rejects new ad jobs early when the engine is saturated. The
// in-flight request counter covers the window between request admission and
// the job landing in the engine's job cache.
func (c *CapacityMiddleware) HasCapacity(engine *pipeline.Coordinator, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		inFlightReqs := c.adRequestsInFlight.Add(1)
		defer c.adRequestsInFlight.Add(-1)

		if engine.Jobs.Count()+int(inFlightReqs)-1 >= engine.MaxInFlightJobs {
			errors.WriteHTTPTooManyRequests(w, "Too many ad jobs in flight", fmt.Errorf("%d jobs running", engine.Jobs.Count()))
			return
		}

		next(w, r, ps)
	}
}

package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/errors"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/metrics"
	"github.com/adforge/adforge-api/middleware"
	"github.com/adforge/adforge-api/pipeline"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"
)

type CreateAdRequest struct {
	Script                string  `json:"script"`
	CharacterImage        string  `json:"character_image"`
	CharacterName         string  `json:"character_name,omitempty"`
	CampaignID            string  `json:"campaign_id,omitempty"`
	VoiceID               string  `json:"voice_id,omitempty"`
	AspectRatio           string  `json:"aspect_ratio,omitempty"`
	Resolution            string  `json:"resolution,omitempty"`
	EnableVerification    bool    `json:"enable_verification,omitempty"`
	VerificationThreshold float64 `json:"verification_threshold,omitempty"`
	// only honored for static-token callers; JWT callers are scoped by claim
	UserID string `json:"user_id,omitempty"`
}

type CreateAdResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

var CreateAdRequestSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"script": {"type": "string", "minLength": 1},
		"character_image": {"type": "string", "minLength": 1},
		"character_name": {"type": "string"},
		"campaign_id": {"type": "string"},
		"voice_id": {"type": "string"},
		"aspect_ratio": {"type": "string", "enum": ["16:9", "9:16"]},
		"resolution": {"type": "string", "enum": ["720p", "1080p"]},
		"enable_verification": {"type": "boolean"},
		"verification_threshold": {"type": "number", "minimum": 0, "maximum": 1},
		"user_id": {"type": "string"}
	},
	"additionalProperties": false,
	"required": [
		"script",
		"character_image"
	]
}`

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}

	return false
}

func (d *AdForgeHandlersCollection) CreateAd() httprouter.Handle {
	schema := inputSchemasCompiled["CreateAd"]

	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var createAdRequest CreateAdRequest

		if !HasContentType(req, "application/json") {
			errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
			return
		} else if payload, err := io.ReadAll(req.Body); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot read payload", err)
			return
		} else if result, err := schema.Validate(gojsonschema.NewBytesLoader(payload)); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot validate payload", err)
			return
		} else if !result.Valid() {
			errors.WriteHTTPBadBodySchema("CreateAd", w, result.Errors())
			return
		} else if err := json.Unmarshal(payload, &createAdRequest); err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		}

		userID := middleware.UserID(req)
		if userID == "" {
			userID = createAdRequest.UserID
		}
		if userID == "" {
			errors.WriteHTTPBadRequest(w, "Cannot determine user", fmt.Errorf("no user_id claim or field"))
			return
		}

		imageBytes, err := decodeCharacterImage(createAdRequest.CharacterImage)
		if err != nil {
			errors.WriteHTTPBadRequest(w, "Invalid character_image", err)
			return
		}

		metrics.Metrics.AdRequestCount.Inc()

		info, err := d.Engine.StartAdJob(pipeline.AdJobPayload{
			UserID:         userID,
			CampaignID:     createAdRequest.CampaignID,
			Script:         createAdRequest.Script,
			CharacterName:  createAdRequest.CharacterName,
			VoiceID:        createAdRequest.VoiceID,
			CharacterImage: imageBytes,
			AspectRatio:    createAdRequest.AspectRatio,
			Resolution:     createAdRequest.Resolution,

			EnableVerification:    createAdRequest.EnableVerification,
			VerificationThreshold: createAdRequest.VerificationThreshold,
		})
		if err == pipeline.ErrTooManyJobs {
			errors.WriteHTTPTooManyRequests(w, "Too many ad jobs in flight", err)
			return
		} else if errors.IsValidationError(err) {
			errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
			return
		} else if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot start ad job", err)
			return
		}

		if wantsEventStream(req) {
			d.streamAdProgress(w, req, info)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		if err := json.NewEncoder(w).Encode(CreateAdResponse{
			JobID:  info.Job.JobID,
			Status: string(clients.JobStatusPending),
		}); err != nil {
			log.LogError(info.Job.JobID, "Failed to write a /api/ads HTTP API response", err)
		}
	}
}

func (d *AdForgeHandlersCollection) GetAd() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		jobID := params.ByName("jobID")

		job, err := d.Jobs.GetJob(req.Context(), jobID)
		if errors.IsObjectNotFound(err) {
			errors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		} else if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job", err)
			return
		}

		// a valid job ID belonging to someone else is still a 404
		if userID := middleware.UserID(req); userID != "" && userID != job.UserID {
			errors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(job); err != nil {
			log.LogError(jobID, "Failed to write a /api/ads/:jobID HTTP API response", err)
		}
	}
}

func (d *AdForgeHandlersCollection) ListAds() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		userID := middleware.UserID(req)
		if userID == "" {
			userID = req.URL.Query().Get("user_id")
		}
		if userID == "" {
			errors.WriteHTTPBadRequest(w, "Cannot determine user", fmt.Errorf("no user_id claim or query parameter"))
			return
		}

		jobs, err := d.Jobs.ListJobsByUser(req.Context(), userID, clients.JobStatus(req.URL.Query().Get("status")))
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot list jobs", err)
			return
		}
		if jobs == nil {
			jobs = []*clients.AdJob{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(jobs); err != nil {
			log.LogNoJobID("Failed to write a /api/ads list HTTP API response", "err", err)
		}
	}
}

func wantsEventStream(req *http.Request) bool {
	if req.URL.Query().Get("stream") == "true" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/event-stream")
}

// decodeCharacterImage accepts either a data URI or raw base64. The web
// client sends data URIs straight from a file picker.
func decodeCharacterImage(input string) ([]byte, error) {
	if strings.HasPrefix(input, "data:") {
		_, encoded, found := strings.Cut(input, ",")
		if !found {
			return nil, fmt.Errorf("malformed data URI")
		}
		input = encoded
	}
	imageBytes, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image payload: %w", err)
	}
	return imageBytes, nil
}

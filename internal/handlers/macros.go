package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/logging"
	"fedchat-backend/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// fail logs err at a level matching its kind and writes the error response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	sugar := logging.FromContext(r.Context())
	switch status := apperr.Status(err); {
	case status == http.StatusBadGateway:
		sugar.Warn(err)
	case status >= http.StatusInternalServerError:
		sugar.Error(err)
	default:
		sugar.Debug(err)
	}
	apperr.Write(w, err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error(err)
	}
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, "ok")
}

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		return apperr.BadRequest("invalid request body: %v", err)
	}
	return validator.Struct(v)
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.BadRequest("invalid %s", name)
	}
	return id, nil
}

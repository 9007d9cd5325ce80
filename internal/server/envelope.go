package server

import (
	"encoding/json"
	"net/http"

	playerdb "github.com/nodecraft/playerdb/internal"
	"github.com/nodecraft/playerdb/internal/apierr"
)

// Cache-Control values the edge honors: successes live five days, failures
// five minutes so a broken upstream is not retried on every request.
const (
	successCacheControl = "public, max-age=432000"
	failureCacheControl = "public, max-age=300"
)

type successEnvelope struct {
	Success bool        `json:"success"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    successData `json:"data"`
}

type successData struct {
	Player *playerdb.PlayerProfile `json:"player"`
}

type failureEnvelope struct {
	Success bool           `json:"success"`
	Error   bool           `json:"error"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func writeSuccess(w http.ResponseWriter, profile *playerdb.PlayerProfile) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", successCacheControl)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(successEnvelope{
		Success: true,
		Code:    "player.found",
		Message: "Successfully found player by given ID.",
		Data:    successData{Player: profile},
	})
}

func writeFailure(w http.ResponseWriter, e *apierr.Error) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Cache-Control", failureCacheControl)
	w.WriteHeader(e.HTTPStatus())

	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	json.NewEncoder(w).Encode(failureEnvelope{
		Success: false,
		Error:   !e.UserVisible(),
		Code:    e.Code,
		Message: e.Message,
		Data:    data,
	})
}

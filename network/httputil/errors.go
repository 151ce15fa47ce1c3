// Package httputil contains small helpers shared by the HTTP surfaces.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// DefaultErrorJson is the JSON error body every HTTP surface emits.
type DefaultErrorJson struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteError writes the error body with its status code.
func WriteError(w http.ResponseWriter, errJson *DefaultErrorJson) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errJson.Code)
	if err := json.NewEncoder(w).Encode(errJson); err != nil {
		logrus.WithError(err).Error("Could not write error response")
	}
}

// HandleError writes a plain error message with the given status code.
func HandleError(w http.ResponseWriter, message string, code int) {
	WriteError(w, &DefaultErrorJson{Message: message, Code: code})
}

// WriteJson writes v as a JSON response body.
func WriteJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Could not write JSON response")
	}
}

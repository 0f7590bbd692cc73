package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mylxsw/asteria/log"
	"github.com/tidwall/sjson"
)

const (
	successEnvelope = `{"success":true}`
	failureEnvelope = `{"success":false}`
	fallbackFailure = `{"success":false,"error":"internal server error"}`
)

// writeData responds with {"success":true,"data":<payload>}.
func writeData(w http.ResponseWriter, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("encode response: %v", err))
		return
	}
	body, err := sjson.SetRawBytes([]byte(successEnvelope), "data", raw)
	if err != nil {
		log.Errorf("build response envelope: %v", err)
		writeJSON(w, http.StatusInternalServerError, []byte(fallbackFailure))
		return
	}
	writeJSON(w, status, body)
}

// writeMessage responds with {"success":true,"message":<msg>}.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	body, err := sjson.SetBytes([]byte(successEnvelope), "message", msg)
	if err != nil {
		log.Errorf("build response envelope: %v", err)
		writeJSON(w, http.StatusInternalServerError, []byte(fallbackFailure))
		return
	}
	writeJSON(w, status, body)
}

// writeFailure responds with {"success":false,"error":<msg>}.
func writeFailure(w http.ResponseWriter, status int, msg string) {
	body, err := sjson.SetBytes([]byte(failureEnvelope), "error", msg)
	if err != nil {
		log.Errorf("build response envelope: %v", err)
		writeJSON(w, http.StatusInternalServerError, []byte(fallbackFailure))
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

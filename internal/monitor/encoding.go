package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	contentJSON     = "application/json"
	contentProtobuf = "application/protobuf"
)

// wantsProtobuf reports whether the client asked for a protobuf body.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

// toStruct converts a JSON-tagged value into a google.protobuf.Struct so
// both wire formats carry the same field names.
func toStruct(payload any) (*structpb.Struct, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// writeNegotiated writes payload as JSON, or as a serialized
// google.protobuf.Struct when the client asks for protobuf.
func writeNegotiated(w http.ResponseWriter, r *http.Request, payload any) {
	if !wantsProtobuf(r) {
		w.Header().Set("X-Content-Format", contentJSON)
		writeJSON(w, payload)
		return
	}

	st, err := toStruct(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	data, err := proto.Marshal(st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", contentProtobuf)
	w.Header().Set("X-Content-Format", contentProtobuf)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", contentJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

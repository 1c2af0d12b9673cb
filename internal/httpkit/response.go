package httpkit

import (
	"encoding/json"
	"net/http"
)

// DecodeJSON decodes a request body. Unknown fields are accepted: job
// runners send envelope fields (webhook, policy) this service ignores.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

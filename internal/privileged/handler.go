package privileged

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

const maxPayload = 64 << 10

const allowHeaders = "authorization, x-client-info, apikey, content-type"

// Routes mounts POST /functions/v1/{op}. Failures answer 400 with
// {"error": "..."}, successes 200 with {"success": true, ...}.
func Routes(r *mux.Router, g *Gateway) {
	r.HandleFunc("/functions/v1/{op}", g.serveFunction).Methods(http.MethodPost)
	r.HandleFunc("/functions/v1/{op}", preflight).Methods(http.MethodOptions)
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	cors(w)
	w.WriteHeader(http.StatusNoContent)
}

func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
}

func (g *Gateway) serveFunction(w http.ResponseWriter, r *http.Request) {
	op := mux.Vars(r)["op"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload))
	var res Result
	if err != nil {
		res = Result{Error: "invalid request body"}
	} else {
		res = g.Invoke(r.Context(), bearer(r.Header.Get("Authorization")), op, body)
	}

	cors(w)
	w.Header().Set("Content-Type", "application/json")
	if !res.OK() {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(res)
}

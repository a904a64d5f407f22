// Package health contains the readiness check served at /healthz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

// TargetService defines an interface that services can implement for server
// health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

type Checker struct {
	TargetService
	TargetServiceName string
}

type checkResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Handler reports SERVING once the target service's datastore is reachable.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := checkResponse{Status: "SERVING", Service: c.TargetServiceName}
		code := http.StatusOK

		ready, err := c.IsReady(r.Context())
		if err != nil || !ready {
			resp.Status = "NOT_SERVING"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

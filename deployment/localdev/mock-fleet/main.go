// mock-fleet serves a handful of fake service health endpoints for
// local end-to-end runs. Each service answers /services/{name}/healthz
// and can be toggled unhealthy with POST /services/{name}/flap; a
// restart (POST /services/{name}/restart) makes it healthy again.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
)

type fleet struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fleet) healthy(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[name]
}

func (f *fleet) set(name string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[name] = down
}

func main() {
	var addr string
	var services string
	flag.StringVar(&addr, "addr", ":9090", "Listen address")
	flag.StringVar(&services, "services", "orders,payments,inventory", "Comma-separated service names")
	flag.Parse()

	f := &fleet{down: make(map[string]bool)}
	names := strings.Split(services, ",")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /services/{name}/healthz", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !f.healthy(name) {
			http.Error(w, "service flapping", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"service": name, "status": "ok"})
	})

	mux.HandleFunc("POST /services/{name}/flap", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.set(name, true)
		log.Printf("service %s now unhealthy", name)
		writeJSON(w, map[string]string{"service": name, "status": "down"})
	})

	mux.HandleFunc("POST /services/{name}/restart", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		f.set(name, false)
		log.Printf("service %s restarted", name)
		writeJSON(w, map[string]string{"service": name, "status": "ok"})
	})

	mux.HandleFunc("GET /services", func(w http.ResponseWriter, _ *http.Request) {
		states := make(map[string]string, len(names))
		for _, name := range names {
			state := "ok"
			if !f.healthy(name) {
				state = "down"
			}
			states[name] = state
		}
		writeJSON(w, states)
	})

	fmt.Printf("mock-fleet listening on %s (services: %s)\n", addr, services)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

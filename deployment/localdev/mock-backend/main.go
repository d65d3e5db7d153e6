package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

type machine struct {
	ID               int    `json:"machine_id"`
	Label            string `json:"machine_label"`
	ModelID          int    `json:"machine_model_id"`
	TypeID           int    `json:"machine_type_id"`
	BoxMAC           string `json:"box_macaddress"`
	InstallationDate string `json:"installation_date"`
	Working          bool   `json:"working"`
}

type sensorRecord struct {
	MachineID        int     `json:"machine_id"`
	Timestamp        string  `json:"timestamp"`
	Temperature      float64 `json:"temperature"`
	Vibration        float64 `json:"vibration"`
	Load             float64 `json:"load"`
	PowerConsumption float64 `json:"power_consumption"`
	CycleTime        float64 `json:"cycle_time"`
}

type predictionRecord struct {
	Timestamp  string  `json:"timestamp"`
	Prediction float64 `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

var machines = []machine{
	{ID: 1, Label: "CNC Mill A", ModelID: 10, TypeID: 1, BoxMAC: "00:1b:44:11:3a:b7", InstallationDate: "2021-03-14", Working: true},
	{ID: 2, Label: "Hydraulic Press", ModelID: 22, TypeID: 2, BoxMAC: "00:1b:44:11:3a:b8", InstallationDate: "2019-11-02", Working: true},
	{ID: 3, Label: "Lathe B", ModelID: 10, TypeID: 1, BoxMAC: "00:1b:44:11:3a:b9", InstallationDate: "2022-07-21", Working: false},
}

// simulator drifts each machine towards failure until it is reset.
type simulator struct {
	mu    sync.Mutex
	steps map[int]int
	rng   *rand.Rand
}

func newSimulator() *simulator {
	return &simulator{steps: make(map[int]int), rng: rand.New(rand.NewPCG(1, 2))}
}

func (s *simulator) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = make(map[int]int)
}

func (s *simulator) sensor(id int, at time.Time) sensorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[id]++
	wear := math.Min(float64(s.steps[id])/60, 1)
	return sensorRecord{
		MachineID:        id,
		Timestamp:        at.UTC().Format(time.RFC3339),
		Temperature:      round(20 + 25*wear + s.rng.Float64()*3),
		Vibration:        round(1.5 + 6*wear + s.rng.Float64()),
		Load:             round(50 + 40*wear + s.rng.Float64()*5),
		PowerConsumption: round(5 + 9*wear + s.rng.Float64()),
		CycleTime:        round(30 + s.rng.Float64()*4),
	}
}

func (s *simulator) prediction(id int, at time.Time) predictionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	wear := math.Min(float64(s.steps[id])/60, 1)
	p := math.Min(0.05+0.9*wear+s.rng.Float64()*0.05, 1)
	return predictionRecord{
		Timestamp:  at.UTC().Format(time.RFC3339),
		Prediction: round(p),
		Confidence: round(0.7 + s.rng.Float64()*0.25),
	}
}

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	tick := flag.Duration("tick", time.Second, "stream event interval")
	flag.Parse()

	sim := newSimulator()
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard/machines", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"machines": machines})
		})
		r.Get("/dashboard/machines/{id}", func(w http.ResponseWriter, r *http.Request) {
			m, ok := lookup(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, m)
		})
		r.Get("/simulation/data/{id}", func(w http.ResponseWriter, r *http.Request) {
			m, ok := lookup(w, r)
			if !ok {
				return
			}
			now := time.Now()
			history := make([]sensorRecord, 0, 10)
			for i := 9; i >= 0; i-- {
				history = append(history, sim.sensor(m.ID, now.Add(-time.Duration(i)*5*time.Second)))
			}
			writeJSON(w, http.StatusOK, history)
		})
		r.Post("/simulation/simulate", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				MachineID int `json:"machine_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MachineID <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "machine_id is required"})
				return
			}
			now := time.Now()
			preds := make([]predictionRecord, 0, 6)
			for i := 5; i >= 0; i-- {
				preds = append(preds, sim.prediction(body.MachineID, now.Add(-time.Duration(i)*time.Minute)))
			}
			writeJSON(w, http.StatusOK, map[string]any{"status": "success", "predictions": preds})
		})
		r.Post("/simulation/reset", func(w http.ResponseWriter, _ *http.Request) {
			sim.reset()
			writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Simulation reset"})
		})
		r.Get("/simulation/sensor-stream/{id}", func(w http.ResponseWriter, r *http.Request) {
			m, ok := lookup(w, r)
			if !ok {
				return
			}
			serveEvents(w, r, *tick, func(at time.Time) any { return sim.sensor(m.ID, at) })
		})
		r.Get("/simulation/prediction-stream/{id}", func(w http.ResponseWriter, r *http.Request) {
			m, ok := lookup(w, r)
			if !ok {
				return
			}
			serveEvents(w, r, *tick, func(at time.Time) any { return sim.prediction(m.ID, at) })
		})
	})

	logger := log.New(log.Writer(), "backend-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    *addr,
		Handler: logRequests(logger, r),
	}

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func lookup(w http.ResponseWriter, r *http.Request) (machine, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid machine id"})
		return machine{}, false
	}
	for _, m := range machines {
		if m.ID == id {
			return m, true
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Machine not found"})
	return machine{}, false
}

// serveEvents writes one SSE data frame per tick until the client goes away.
func serveEvents(w http.ResponseWriter, r *http.Request, tick time.Duration, next func(time.Time) any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case at := <-ticker.C:
			data, err := json.Marshal(next(at))
			if err != nil {
				log.Printf("encode error: %v", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func round(v float64) float64 { return math.Round(v*100) / 100 }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE frames are not buffered.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

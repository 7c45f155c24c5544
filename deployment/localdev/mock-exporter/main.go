package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// scenario walks a host through calm, cpu thrash, memory churn and an egress
// storm so a sentinel scraping this endpoint sees every pattern fire. Each
// scrape advances one step.
type scenario struct {
	mu   sync.Mutex
	rng  *rand.Rand
	step int

	mem  float64
	sent float64
	recv float64
}

func newScenario(seed int64) *scenario {
	return &scenario{
		rng:  rand.New(rand.NewSource(seed)),
		mem:  4000,
		sent: 1000,
		recv: 1000,
	}
}

func (s *scenario) advance() (cpu, mem, tx, rx float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++

	switch {
	case s.step > 20 && s.step < 30:
		// Thrash: mean stays nominal, variance explodes.
		cpu = 10
		if s.rng.Intn(2) == 1 {
			cpu = 90
		}
	default:
		cpu = 40 + s.rng.Float64()*10
	}

	if s.step > 40 && s.step < 50 {
		s.mem += 500
	} else {
		s.mem += 5
	}

	txStep := 10.0
	if s.step > 60 && s.step < 80 {
		txStep *= 4
	}
	s.sent += txStep
	s.recv += 10

	return cpu, s.mem, s.sent, s.recv
}

func main() {
	logger := log.New(log.Writer(), "mock-exporter ", log.LstdFlags|log.Lmicroseconds)
	scen := newScenario(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cpu, mem, tx, rx := scen.advance()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP coherence_cpu_load CPU load percentage.\n")
		fmt.Fprintf(w, "# TYPE coherence_cpu_load gauge\n")
		fmt.Fprintf(w, "coherence_cpu_load %g\n", cpu)
		fmt.Fprintf(w, "# HELP coherence_mem_used_mb Memory used in MB.\n")
		fmt.Fprintf(w, "# TYPE coherence_mem_used_mb gauge\n")
		fmt.Fprintf(w, "coherence_mem_used_mb %g\n", mem)
		fmt.Fprintf(w, "# HELP coherence_net_tx_packets_total Packets sent.\n")
		fmt.Fprintf(w, "# TYPE coherence_net_tx_packets_total counter\n")
		fmt.Fprintf(w, "coherence_net_tx_packets_total %g\n", tx)
		fmt.Fprintf(w, "# HELP coherence_net_rx_packets_total Packets received.\n")
		fmt.Fprintf(w, "# TYPE coherence_net_rx_packets_total counter\n")
		fmt.Fprintf(w, "coherence_net_rx_packets_total %g\n", rx)
	})

	srv := &http.Server{
		Addr:    ":9100",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9100")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
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

// Command webhook-receiver stands in for a business module endpoint during
// local runs. It verifies the X-Mizan-Signature header, records deliveries
// and can fail early attempts to exercise retries.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type delivery struct {
	Timestamp   string `json:"timestamp"`
	Path        string `json:"path"`
	ExecutionID string `json:"execution_id"`
	Attempt     int    `json:"attempt"`
	Action      string `json:"action"`
	Status      int    `json:"status"`
	Body        string `json:"body"`
}

type stats struct {
	Count          int64      `json:"count"`
	BadSignatures  int64      `json:"bad_signatures"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	count          int64
	badSignatures  int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50

	secret       string
	failAttempts int
)

func main() {
	since = time.Now().UTC()

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("WEBHOOK_SECRET")
	if v := os.Getenv("FAIL_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("FAIL_ATTEMPTS: %v", err)
		}
		failAttempts = n
	}

	http.HandleFunc("/hook/", hookHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count = 0
		badSignatures = 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("webhook-receiver listening on %s (fail_attempts=%d, signed=%t)", addr, failAttempts, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func validSignature(body []byte, got string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(got))
}

func hookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()

	if !validSignature(body, r.Header.Get("X-Mizan-Signature")) {
		mu.Lock()
		badSignatures++
		mu.Unlock()
		log.Printf("rejected delivery with bad signature on %s", r.URL.Path)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &payload)
	attempt, _ := strconv.Atoi(r.Header.Get("X-Mizan-Attempt"))

	status := http.StatusOK
	if attempt > 0 && attempt <= failAttempts {
		status = http.StatusServiceUnavailable
	}

	d := delivery{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Path:        r.URL.Path,
		ExecutionID: r.Header.Get("X-Mizan-Execution-ID"),
		Attempt:     attempt,
		Action:      payload.Action,
		Status:      status,
		Body:        string(body),
	}

	mu.Lock()
	count++
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := count
	mu.Unlock()

	log.Printf("delivery #%d: %s attempt %d -> %d", current, payload.Action, attempt, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusOK {
		fmt.Fprintf(w, `{"received":%d}`, current)
	}
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Count:          count,
		BadSignatures:  badSignatures,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

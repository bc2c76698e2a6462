// Package main provides a synthetic market-data feed for exercising the
// gateway locally: random-walk quotes, an echo endpoint, and fault-injection
// endpoints for driving the circuit breaker through its states.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	priceMu sync.Mutex
	prices  = map[string]float64{
		"AAPL": 187.50,
		"MSFT": 412.20,
		"GOOG": 141.80,
		"TSLA": 244.60,
		"SPY":  543.10,
	}
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "mockfeed", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port) //nolint:errcheck
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	// /quote/{symbol} returns a random-walk quote for the symbol.
	http.HandleFunc("/quote/", func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/quote/"))

		priceMu.Lock()
		price, ok := prices[symbol]
		if ok {
			price *= 1 + (rand.Float64()-0.5)/500
			prices[symbol] = price
		}
		priceMu.Unlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
				"error":  "unknown symbol",
				"symbol": symbol,
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"service":   *name,
			"symbol":    symbol,
			"price":     fmt.Sprintf("%.2f", price),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// /__status/{code} answers with an arbitrary status, for driving the
	// breaker open and closed by hand.
	// Example: GET /__status/503 → 503 Service Unavailable
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	// /__sleep/{ms} stalls before answering, for timeout testing.
	http.HandleFunc("/__sleep/", func(w http.ResponseWriter, r *http.Request) {
		msStr := strings.TrimPrefix(r.URL.Path, "/__sleep/")
		ms, err := strconv.Atoi(msStr)
		if err != nil || ms < 0 || ms > 60000 {
			ms = 1000
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"service":  *name,
			"slept_ms": ms,
		})
	})

	// Everything else echoes the request, for verifying routing, header
	// injection, and prefix stripping through the gateway.
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"service":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"headers":     flattenHeaders(r.Header),
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s", *name, addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 1 {
			flat[k] = v[0]
		} else {
			b, _ := json.Marshal(v)
			flat[k] = string(b)
		}
	}
	return flat
}

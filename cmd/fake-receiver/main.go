package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vantagebank/hookline/internal/config"
	"github.com/vantagebank/hookline/internal/model"
	"github.com/vantagebank/hookline/internal/signature"
)

// fake-receiver is a test webhook target: it verifies signatures and
// timestamps like a real subscriber would, and can be told to fail the first
// N requests to exercise the retry path.

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv().FakeReceiver
	secret := model.SecretFromString(cfg.EndpointSecret)
	leeway := time.Duration(cfg.SigningLeewaySeconds) * time.Second
	delay := time.Duration(cfg.ResponseDelayMS) * time.Millisecond

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		handleHook(w, r, secret, leeway, cfg.FailFirstN, delay)
	})

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request, secret model.Secret, leeway time.Duration, failFirstN int, delay time.Duration) {
	n := reqCount.Add(1)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if delay > 0 {
		time.Sleep(delay)
	}

	if !secret.IsZero() {
		if ok, msg := verify(secret, body, r.Header, leeway); !ok {
			log.Printf("fake-receiver rejected %s: %s", r.URL.Path, msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	if n <= int64(failFirstN) {
		log.Printf("FAILING (%d/%d) event=%s body=%s", n, failFirstN,
			r.Header.Get("X-Webhook-Event"), truncate(string(body), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK event=%s attempt=%s body=%q",
		r.Header.Get("X-Webhook-Event"), r.Header.Get("X-Webhook-Attempt"),
		truncate(string(body), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func verify(secret model.Secret, body []byte, h http.Header, leeway time.Duration) (bool, string) {
	ts := h.Get("X-Webhook-Timestamp")
	sig := h.Get("X-Webhook-Signature")
	if ts == "" || sig == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	if abs64(time.Now().Unix()-unix) > int64(leeway.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !signature.VerifyBody(secret, body, sig) {
		return false, "sig mismatch"
	}
	return true, ""
}

func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

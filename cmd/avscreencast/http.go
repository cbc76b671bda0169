package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xaionaro-go/avscreencast/encoder"
)

type bitrateSetter interface {
	SetBitrate(bitrate uint64) error
}

func newHTTPHandler(
	gatherer prometheus.Gatherer,
	target bitrateSetter,
) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/bitrate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 64))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bitrate, err := encoder.ParseBitrate(strings.TrimSpace(string(body)))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid bitrate: %v", err), http.StatusBadRequest)
			return
		}
		if err := target.SetBitrate(bitrate); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

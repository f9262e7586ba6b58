package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/liamcoop/billingrules/internal/logger"
	"github.com/liamcoop/billingrules/internal/metrics"
)

const slowRequestThreshold = time.Second

// requestLogger records status and latency per route pattern, counts 4xx,
// 5xx and slow requests, and logs each request at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestSeconds.WithLabelValues(route).Observe(elapsed.Seconds())

		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorHttp5xx()
		case status >= http.StatusBadRequest:
			logger.WarnHttp4xx()
		}

		attrs := []any{
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		}
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("slow request", attrs...)
			return
		}
		logger.Debug("request", attrs...)
	})
}

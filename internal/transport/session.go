package transport

import (
	"context"
	"net/http"
	"strings"
)

type deviceKey struct{}

// DeviceHeader carries the client's device id when the query parameter is absent.
const DeviceHeader = "X-Device-Id"

// DeviceFromContext returns the device ID from context, if present.
func DeviceFromContext(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceKey{}).(string)
	return deviceID, ok
}

// DeviceMiddleware extracts the device id from ?device= or X-Device-Id and
// stores it in context.
func DeviceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := strings.TrimSpace(r.URL.Query().Get("device"))
		if deviceID == "" {
			deviceID = strings.TrimSpace(r.Header.Get(DeviceHeader))
		}
		if deviceID != "" {
			ctx := context.WithValue(r.Context(), deviceKey{}, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

package httpapi

// maxBodyBytes caps JSON request bodies.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes sets the JSON body cap; non-positive restores 1 MiB.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// maxUploadBytes caps multipart uploads for object detection and speech.
var maxUploadBytes int64 = 32 << 20

// SetMaxUploadBytes sets the multipart cap; non-positive restores 32 MiB.
func SetMaxUploadBytes(n int64) {
	if n <= 0 {
		maxUploadBytes = 32 << 20
		return
	}
	maxUploadBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
}

// Rate limiting of mutating routes. Zero rps disables it.
var (
	rateRPS   float64
	rateBurst int
)

// SetRateLimit bounds deploy and stop requests per client address.
func SetRateLimit(rps float64, burst int) {
	if rps < 0 {
		rps = 0
	}
	if burst <= 0 {
		burst = 1
	}
	rateRPS, rateBurst = rps, burst
}

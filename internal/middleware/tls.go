package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ComUnity/insight-service/internal/util/logger"
)

// TLSConfig controls HTTPS detection, redirects and security headers.
type TLSConfig struct {
	HSTSMaxAge            int
	IncludeSubdomains     bool
	Preload               bool
	ContentSecurityPolicy string
	// ExcludedPaths skip redirects and HSTS. Entries ending in "/" match as prefixes.
	ExcludedPaths    []string
	ForceRedirect    bool
	TrustProxyHeader bool
}

// DefaultTLSConfig keeps probes and scrapes on plain HTTP inside the cluster.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		HSTSMaxAge:            63072000,
		IncludeSubdomains:     true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none';",
		ExcludedPaths:         []string{"/health", "/ready", "/live", "/metrics"},
		TrustProxyHeader:      true,
	}
}

// TLSEnhancer sets security headers and optionally redirects plain HTTP reads.
// Only GET and HEAD are redirected.
func TLSEnhancer(cfg TLSConfig) func(http.Handler) http.Handler {
	if cfg.Preload && (cfg.HSTSMaxAge < 31536000 || !cfg.IncludeSubdomains) {
		logger.Warnf("[TLS] HSTS preload needs includeSubDomains and max-age>=31536000; max-age=%d", cfg.HSTSMaxAge)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setBaseSecurityHeaders(w)
			if excludedPath(cfg.ExcludedPaths, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			https := isHTTPS(r, cfg.TrustProxyHeader)
			if cfg.ForceRedirect && !https && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
				u := *r.URL
				u.Scheme = "https"
				u.Host = stripPortIfValid(r.Host)
				http.Redirect(w, r, u.String(), http.StatusPermanentRedirect)
				return
			}
			if https {
				setHSTS(w, cfg)
				if v := strings.TrimSpace(cfg.ContentSecurityPolicy); v != "" {
					w.Header().Set("Content-Security-Policy", v)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func excludedPath(paths []string, p string) bool {
	for _, e := range paths {
		if e == p || (strings.HasSuffix(e, "/") && strings.HasPrefix(p, e)) {
			return true
		}
	}
	return false
}

func isHTTPS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxy {
		return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
	}
	return false
}

func setBaseSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func setHSTS(w http.ResponseWriter, cfg TLSConfig) {
	maxAge := cfg.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 31536000
	}
	var b strings.Builder
	b.WriteString("max-age=")
	b.WriteString(strconv.Itoa(maxAge))
	if cfg.IncludeSubdomains {
		b.WriteString("; includeSubDomains")
	}
	if cfg.Preload {
		b.WriteString("; preload")
	}
	w.Header().Set("Strict-Transport-Security", b.String())
}

// stripPortIfValid drops :<port> so redirects land on the default https port.
func stripPortIfValid(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if _, err := strconv.Atoi(port); err != nil {
		return hostport
	}
	return host
}

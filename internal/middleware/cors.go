package middleware

import (
	"net/http"
	"strings"
)

// corsPolicy 描述文件服务对浏览器开放的方法与请求头。
// 上传只需要 Content-Type，下载需要让前端读到文件名、长度和限流的重试时间。
type corsPolicy struct {
	allowAll bool
	origins  map[string]struct{}
	methods  map[string]struct{}
	headers  map[string]struct{}
}

var (
	corsMethods       = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
	corsRequestHeader = []string{"Content-Type", "X-Request-Id"}
	corsExposeHeader  = []string{"Content-Disposition", "Content-Length", "Content-Type", "Retry-After", "X-Request-Id"}
)

const corsMaxAge = "600"

// CORS 生成允许指定来源访问的跨域中间件。
// 预检请求的方法或请求头不在允许范围内时返回 403，不再转给路由。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newCORSPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := policy.resolveOrigin(r.Header.Get("Origin"))
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}

			if isPreflight(r) {
				policy.preflight(w, r, origin)
				return
			}

			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(corsExposeHeader, ", "))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newCORSPolicy(allowedOrigins []string) *corsPolicy {
	p := &corsPolicy{
		origins: make(map[string]struct{}),
		methods: make(map[string]struct{}, len(corsMethods)),
		headers: make(map[string]struct{}, len(corsRequestHeader)),
	}
	for _, origin := range allowedOrigins {
		value := strings.TrimRight(strings.TrimSpace(origin), "/")
		switch value {
		case "":
		case "*":
			p.allowAll = true
		default:
			p.origins[value] = struct{}{}
		}
	}
	for _, m := range corsMethods {
		p.methods[m] = struct{}{}
	}
	for _, h := range corsRequestHeader {
		p.headers[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	return p
}

func (p *corsPolicy) resolveOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if p.allowAll {
		return "*"
	}
	if _, ok := p.origins[origin]; ok {
		return origin
	}
	return ""
}

func (p *corsPolicy) preflight(w http.ResponseWriter, r *http.Request, origin string) {
	w.Header().Add("Vary", "Access-Control-Request-Method")
	w.Header().Add("Vary", "Access-Control-Request-Headers")

	if origin == "" || !p.allowsMethod(r.Header.Get("Access-Control-Request-Method")) ||
		!p.allowsHeaders(r.Header.Get("Access-Control-Request-Headers")) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	headers := w.Header()
	headers.Set("Access-Control-Allow-Origin", origin)
	headers.Set("Access-Control-Allow-Methods", strings.Join(corsMethods, ","))
	headers.Set("Access-Control-Allow-Headers", strings.Join(corsRequestHeader, ", "))
	headers.Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}

func (p *corsPolicy) allowsMethod(method string) bool {
	_, ok := p.methods[strings.ToUpper(strings.TrimSpace(method))]
	return ok
}

// allowsHeaders 检查逗号分隔的请求头列表，空列表视为允许。
func (p *corsPolicy) allowsHeaders(list string) bool {
	for _, h := range strings.Split(list, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := p.headers[http.CanonicalHeaderKey(h)]; !ok {
			return false
		}
	}
	return true
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

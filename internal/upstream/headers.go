package upstream

import (
	"net/http"
	"net/textproto"
	"strconv"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// volatileHeaders 与单次响应绑定，不写入缓存。
var volatileHeaders = map[string]struct{}{
	"Date":       {},
	"Age":        {},
	"Set-Cookie": {},
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// StorableHeaders 生成写入缓存的头部副本：去掉 hop-by-hop 与易变字段，
// 并按实际正文长度重写 Content-Length。字段名保持上游原样。
func StorableHeaders(src http.Header, bodyLen int) http.Header {
	dst := http.Header{}
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := volatileHeaders[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		dst[key] = append([]string(nil), values...)
	}
	dst.Del("Content-Length")
	dst.Set("Content-Length", strconv.Itoa(bodyLen))
	return dst
}

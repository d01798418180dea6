package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/any-hub/article-cache/internal/cacheerr"
)

// EncodeHeaders 将响应头序列化为 {"Field": ["v1", "v2"]} 形式的 JSON。
func EncodeHeaders(header http.Header) ([]byte, error) {
	if header == nil {
		header = http.Header{}
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return data, nil
}

// DecodeHeaders 是 EncodeHeaders 的逆操作，字段名保持原样。
func DecodeHeaders(data []byte) (http.Header, error) {
	header := http.Header{}
	if len(bytes.TrimSpace(data)) == 0 {
		return header, nil
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, cacheerr.Storage("decode headers", err)
	}
	return header, nil
}

// LoadHeaders 读取并解析 header blob。
func LoadHeaders(ctx context.Context, store Store, name string) (http.Header, error) {
	data, err := store.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return DecodeHeaders(data)
}

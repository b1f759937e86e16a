package pagecache

import (
	"net/http"
	"strconv"
	"time"

	"github.com/any-hub/any-cache/internal/meta"
)

// Entry 是持久化的页面正文与可复用响应头。元数据单独保存在 meta.Repository 中。
type Entry struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// storedHeaders 是写入缓存时保留的响应头，其余头部（如 Set-Cookie、Date）不会被复用。
var storedHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Link",
	"Last-Modified",
	"Vary",
	"X-Robots-Tag",
}

func newEntry(resp *Response) Entry {
	header := http.Header{}
	for _, name := range storedHeaders {
		if values := resp.Header.Values(name); len(values) > 0 {
			header[name] = append([]string(nil), values...)
		}
	}
	return Entry{
		Status: resp.Status,
		Header: header,
		Body:   resp.Body,
	}
}

// response 根据条目构造命中响应，附加由元数据推导的 Age 与指纹头。
func (e Entry) response(m meta.Meta, now time.Time, method string) *Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Age", strconv.FormatInt(m.Age(now), 10))
	if m.Fingerprint != "" {
		header.Set(HeaderFingerprint, m.Fingerprint)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))

	resp := &Response{Status: e.Status, Header: header}
	if method != http.MethodHead {
		resp.Body = e.Body
	}
	return resp
}

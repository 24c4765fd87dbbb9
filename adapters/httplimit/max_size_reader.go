package httplimit

import (
	"fmt"
	"io"
)

// ReachLimitError 表示請求內容超過允許的大小，可以用 errors.As 判斷
type ReachLimitError struct {
	MaxBytes int64
}

func (e *ReachLimitError) Error() string {
	return fmt.Sprintf("reach limit of %s", FormatBytes(e.MaxBytes))
}

// NewMaxSizeReader 包裝 r，最多回傳 maxSize 個位元組
// 來源還有更多內容時回傳 *ReachLimitError，而不是像 io.LimitReader 一樣回傳 io.EOF
func NewMaxSizeReader(r io.Reader, maxSize int64) io.Reader {
	return &maxSizeReader{source: r, limit: maxSize, remaining: maxSize}
}

// NewMaxSizeReadCloser 與 NewMaxSizeReader 相同，但保留原本的 Close，
// 可以直接替換 http.Request.Body
func NewMaxSizeReadCloser(rc io.ReadCloser, maxSize int64) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{NewMaxSizeReader(rc, maxSize), rc}
}

type maxSizeReader struct {
	source    io.Reader
	limit     int64
	remaining int64
}

func (r *maxSizeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// 多讀一個位元組就能知道來源是否超過限制
	if window := r.remaining + 1; int64(len(p)) > window {
		p = p[:window]
	}
	n, err := r.source.Read(p)
	if int64(n) > r.remaining {
		n = int(r.remaining)
		r.remaining = 0
		return n, &ReachLimitError{MaxBytes: r.limit}
	}
	r.remaining -= int64(n)
	return n, err
}

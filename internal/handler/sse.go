package handler

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// writeSSE 按 text/event-stream 格式写入一个事件。数据中的换行拆成多行 data:，
// 客户端按规范会用 "\n" 重新拼接。
func writeSSE(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteString("\n")
	}
	data = strings.ReplaceAll(data, "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// sseSink 把交换输出写成 SSE 帧，每帧写完立即 flush。
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) *sseSink {
	f, _ := w.(http.Flusher)
	return &sseSink{w: w, flusher: f}
}

func (s *sseSink) write(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSE(s.w, event, data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseSink) Data(fragment string) error { return s.write("", fragment) }
func (s *sseSink) Done() error                { return s.write("done", "") }
func (s *sseSink) Error(message string) error { return s.write("error", message) }

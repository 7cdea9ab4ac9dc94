package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

var (
	upstreamMu   sync.Mutex
	upstreamLog  *log.Logger
	dumpPayloads bool
)

// SetUpstreamWriter 设置上游原始报文的独立日志输出；传 nil 关闭。
func SetUpstreamWriter(w io.Writer) {
	upstreamMu.Lock()
	defer upstreamMu.Unlock()
	if w == nil {
		upstreamLog = nil
		return
	}
	upstreamLog = log.New(w, "", log.LstdFlags)
}

func EnablePayloadDump(enabled bool) {
	upstreamMu.Lock()
	dumpPayloads = enabled
	upstreamMu.Unlock()
}

type upstreamSection struct {
	Title string
	Body  string
}

func logUpstream(kind, feed string, sections []upstreamSection) {
	upstreamMu.Lock()
	l := upstreamLog
	upstreamMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[UPSTREAM]")
	for _, tag := range []string{kind, feed} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

// LogUpstreamResponse 记录一次上游响应；仅在开启 payload dump 时写入正文。
func LogUpstreamResponse(feed, url string, status int, body []byte) {
	upstreamMu.Lock()
	dump := dumpPayloads
	upstreamMu.Unlock()
	sections := []upstreamSection{{Title: "REQUEST", Body: fmt.Sprintf("GET %s -> %d (%d bytes)", url, status, len(body))}}
	if dump && len(body) > 0 {
		sections = append(sections, upstreamSection{Title: "PAYLOAD", Body: string(body)})
	}
	logUpstream("response", feed, sections)
}

func LogUpstreamError(feed, url string, err error) {
	if err == nil {
		return
	}
	logUpstream("error", feed, []upstreamSection{
		{Title: "REQUEST", Body: "GET " + url},
		{Title: "ERROR", Body: err.Error()},
	})
}

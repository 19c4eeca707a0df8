package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"ollama-chat-go/internal/config"
)

func ndjsonServer(t *testing.T, status int, lines []string, captured *generateRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			_ = json.NewDecoder(r.Body).Decode(captured)
		}
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
}

func collect(c Client, ctx context.Context, prompt string) ([]string, error) {
	out := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Generate(ctx, prompt, "mean", out)
		close(out)
	}()
	var got []string
	for f := range out {
		got = append(got, f)
	}
	return got, <-errCh
}

func TestGenerate(t *testing.T) {
	Convey("Ollama 流式生成", t, func() {
		Convey("按顺序输出片段，跳过空片段", func() {
			var req generateRequest
			srv := ndjsonServer(t, http.StatusOK, []string{
				`{"response":"Hel","done":false}`,
				`{"response":"","done":false}`,
				`{"response":"lo","done":false}`,
				`{"response":"!","done":false}`,
				`{"response":"","done":true}`,
			}, &req)
			defer srv.Close()

			c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "llama3"})
			got, err := collect(c, context.Background(), "User: hi\nAssistant:")
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{"Hel", "lo", "!"})

			So(req.Model, ShouldEqual, "llama3")
			So(req.Stream, ShouldBeTrue)
			So(req.Prompt, ShouldStartWith, "You are an assistant that should reply in a mean tone.")
			So(req.Prompt, ShouldEndWith, "User prompt:\nUser: hi\nAssistant:")
			So(req.Options, ShouldBeNil)
		})

		Convey("非 200 状态返回错误并带上响应体", func() {
			srv := ndjsonServer(t, http.StatusNotFound, []string{`{"error":"model 'llama3' not found"}`}, nil)
			defer srv.Close()

			c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "llama3"})
			_, err := collect(c, context.Background(), "x")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "not found")
		})

		Convey("流中途的 error 字段视为失败", func() {
			srv := ndjsonServer(t, http.StatusOK, []string{
				`{"response":"Hi","done":false}`,
				`{"error":"out of memory"}`,
			}, nil)
			defer srv.Close()

			c := NewClient(config.LLMConfig{BaseURL: srv.URL})
			got, err := collect(c, context.Background(), "x")
			So(got, ShouldResemble, []string{"Hi"})
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "out of memory")
		})

		Convey("格式错误的行视为失败", func() {
			srv := ndjsonServer(t, http.StatusOK, []string{`not json`}, nil)
			defer srv.Close()

			c := NewClient(config.LLMConfig{BaseURL: srv.URL})
			_, err := collect(c, context.Background(), "x")
			So(err, ShouldNotBeNil)
		})

		Convey("未收到 done 就结束视为不完整", func() {
			srv := ndjsonServer(t, http.StatusOK, []string{`{"response":"Hi","done":false}`}, nil)
			defer srv.Close()

			c := NewClient(config.LLMConfig{BaseURL: srv.URL})
			_, err := collect(c, context.Background(), "x")
			So(errors.Is(err, ErrIncompleteStream), ShouldBeTrue)
		})

		Convey("生成参数写入 options", func() {
			var req generateRequest
			srv := ndjsonServer(t, http.StatusOK, []string{`{"response":"ok","done":true}`}, &req)
			defer srv.Close()

			c := NewClient(config.LLMConfig{
				BaseURL:    srv.URL,
				Generation: config.LLMGenerationConfig{Temperature: 0.2, NumPredict: 64},
			})
			_, err := collect(c, context.Background(), "x")
			So(err, ShouldBeNil)
			So(req.Options["temperature"], ShouldEqual, 0.2)
			So(req.Options["num_predict"], ShouldEqual, float64(64))
			So(req.Options, ShouldNotContainKey, "top_p")
		})

		Convey("ctx 取消后停止读取", func() {
			release := make(chan struct{})
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"response":"Hi","done":false}`)
				w.(http.Flusher).Flush()
				select {
				case <-release:
				case <-r.Context().Done():
				}
			}))
			defer srv.Close()
			defer close(release)

			c := NewClient(config.LLMConfig{BaseURL: srv.URL})
			ctx, cancel := context.WithCancel(context.Background())
			out := make(chan string)
			errCh := make(chan error, 1)
			go func() { errCh <- c.Generate(ctx, "x", "mean", out) }()

			So(<-out, ShouldEqual, "Hi")
			cancel()

			select {
			case err := <-errCh:
				So(err, ShouldNotBeNil)
			case <-time.After(2 * time.Second):
				t.Fatal("Generate did not return after cancel")
			}
		})
	})
}

func TestBuildPrompt(t *testing.T) {
	Convey("BuildPrompt 替换语气占位符", t, func() {
		p := BuildPrompt("Reply {tone}ly. Be {tone}.\n", "kind", "User: hi\nAssistant:")
		So(p, ShouldEqual, "Reply kindly. Be kind.\nUser prompt:\nUser: hi\nAssistant:")
		So(strings.Count(BuildPrompt("", "mean", "x"), "mean tone"), ShouldEqual, 1)
	})
}

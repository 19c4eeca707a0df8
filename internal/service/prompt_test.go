package service

import (
	"fmt"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"ollama-chat-go/internal/model"
)

func history(n int) []model.HistoryEntry {
	out := make([]model.HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		out = append(out, model.HistoryEntry{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	return out
}

func TestComposePrompt(t *testing.T) {
	Convey("ComposePrompt", t, func() {
		Convey("没有历史时只有两行", func() {
			p := ComposePrompt(nil, "hello")
			So(p, ShouldEqual, "User: hello\nAssistant:")
			So(strings.Count(p, "\n")+1, ShouldEqual, 2)
		})

		Convey("有历史时带对话头", func() {
			p := ComposePrompt([]model.HistoryEntry{
				{Role: model.RoleUser, Content: "hi"},
				{Role: model.RoleAssistant, Content: "what"},
			}, "bye")
			So(p, ShouldEqual, "Conversation:\nUser: hi\nAssistant: what\nUser: bye\nAssistant:")
		})

		Convey("对话头之后每条历史一行，加上用户行和提示行", func() {
			for n := 1; n <= 12; n++ {
				p := ComposePrompt(history(n), "m")
				body := strings.TrimPrefix(p, "Conversation:\n")
				So(body, ShouldNotEqual, p)
				So(len(strings.Split(body, "\n")), ShouldEqual, n+2)
				So(p, ShouldEndWith, "\nUser: m\nAssistant:")
			}
		})

		Convey("未知角色按用户渲染，空内容保留空行", func() {
			p := ComposePrompt([]model.HistoryEntry{{Role: "system", Content: ""}}, "m")
			So(p, ShouldEqual, "Conversation:\nUser: \nUser: m\nAssistant:")
		})
	})
}

func TestTruncateHistory(t *testing.T) {
	Convey("TruncateHistory 保留最近的轮次", t, func() {
		So(len(TruncateHistory(history(5), 6)), ShouldEqual, 5)

		got := TruncateHistory(history(20), 6)
		So(len(got), ShouldEqual, 12)
		So(got[0].Content, ShouldEqual, "turn 8")
		So(got[11].Content, ShouldEqual, "turn 19")

		So(len(TruncateHistory(history(20), 0)), ShouldEqual, 20)
	})
}

func TestTruncateTitle(t *testing.T) {
	Convey("TruncateTitle 按字符截断", t, func() {
		So(TruncateTitle("short", 200), ShouldEqual, "short")
		So(TruncateTitle(strings.Repeat("a", 250), 200), ShouldEqual, strings.Repeat("a", 200))

		long := strings.Repeat("你", 201)
		So([]rune(TruncateTitle(long, 200)), ShouldHaveLength, 200)
	})
}

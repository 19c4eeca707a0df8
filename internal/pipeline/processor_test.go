package pipeline

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"ollama-chat-go/internal/model"
	"ollama-chat-go/pkg/tasks"
)

type fakeIndexer struct {
	docs []model.MessageDocument
	err  error
}

func (f *fakeIndexer) IndexMessage(_ context.Context, doc model.MessageDocument) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	return nil
}

func TestProcessor(t *testing.T) {
	Convey("Processor 索引交换中的消息", t, func() {
		idx := &fakeIndexer{}
		p := NewProcessor(idx)
		task := tasks.ExchangeIndexTask{
			ConversationID: 3,
			UserID:         9,
			Messages: []tasks.ExchangeMessage{
				{MessageID: 10, Role: "user", Content: "hi", CreatedAt: 1700000000000},
				{MessageID: 11, Role: "assistant", Content: "what", CreatedAt: 1700000000500},
			},
		}

		Convey("每条消息带上对话和用户", func() {
			So(p.Process(context.Background(), task), ShouldBeNil)
			So(len(idx.docs), ShouldEqual, 2)
			So(idx.docs[0].UserID, ShouldEqual, uint(9))
			So(idx.docs[1].Role, ShouldEqual, model.RoleAssistant)
			So(idx.docs[1].CreatedAt.UnixMilli(), ShouldEqual, int64(1700000000500))
		})

		Convey("索引失败返回错误", func() {
			idx.err = errors.New("boom")
			So(p.Process(context.Background(), task), ShouldNotBeNil)
		})

		Convey("缺少对话 ID 的任务被拒绝", func() {
			So(p.Process(context.Background(), tasks.ExchangeIndexTask{UserID: 1}), ShouldNotBeNil)
		})
	})
}

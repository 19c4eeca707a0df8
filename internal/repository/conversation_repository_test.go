package repository

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"gorm.io/gorm"

	"ollama-chat-go/internal/model"
)

func TestConversationRepository(t *testing.T) {
	Convey("ConversationRepository", t, func() {
		ctx := context.Background()
		db := newTestDB(t)
		users := NewUserRepository(db)
		repo := NewConversationRepository(db)

		alice := &model.User{Username: "alice", Password: "x"}
		bob := &model.User{Username: "bob", Password: "x"}
		So(users.Create(ctx, alice), ShouldBeNil)
		So(users.Create(ctx, bob), ShouldBeNil)

		conv := &model.Conversation{UserID: alice.ID}
		So(repo.Create(ctx, conv), ShouldBeNil)
		So(conv.Title, ShouldEqual, model.DefaultConversationTitle)

		Convey("只能按归属用户查到对话", func() {
			got, err := repo.FindByIDAndUser(ctx, conv.ID, alice.ID)
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, conv.ID)

			_, err = repo.FindByIDAndUser(ctx, conv.ID, bob.ID)
			So(errors.Is(err, gorm.ErrRecordNotFound), ShouldBeTrue)

			_, err = repo.FindByIDAndUser(ctx, conv.ID+100, alice.ID)
			So(errors.Is(err, gorm.ErrRecordNotFound), ShouldBeTrue)
		})

		Convey("消息按创建顺序返回", func() {
			for _, m := range []model.Message{
				{ConversationID: conv.ID, Role: model.RoleUser, Content: "one"},
				{ConversationID: conv.ID, Role: model.RoleAssistant, Content: "two"},
				{ConversationID: conv.ID, Role: model.RoleUser, Content: "three"},
			} {
				m := m
				So(repo.CreateMessage(ctx, &m), ShouldBeNil)
			}
			msgs, err := repo.ListMessages(ctx, conv.ID)
			So(err, ShouldBeNil)
			So(len(msgs), ShouldEqual, 3)
			So(msgs[0].Content, ShouldEqual, "one")
			So(msgs[1].Role, ShouldEqual, model.RoleAssistant)
			So(msgs[2].Content, ShouldEqual, "three")
		})

		Convey("列表最新在前并带消息数量", func() {
			second := &model.Conversation{UserID: alice.ID, Title: "second"}
			So(repo.Create(ctx, second), ShouldBeNil)
			So(repo.CreateMessage(ctx, &model.Message{ConversationID: second.ID, Role: model.RoleUser, Content: "hi"}), ShouldBeNil)
			So(repo.CreateMessage(ctx, &model.Message{ConversationID: second.ID, Role: model.RoleAssistant, Content: "go away"}), ShouldBeNil)
			So(repo.Create(ctx, &model.Conversation{UserID: bob.ID}), ShouldBeNil)

			list, err := repo.ListByUser(ctx, alice.ID)
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 2)
			So(list[0].ID, ShouldEqual, second.ID)
			So(list[0].Title, ShouldEqual, "second")
			So(list[0].MessageCount, ShouldEqual, 2)
			So(list[1].ID, ShouldEqual, conv.ID)
			So(list[1].MessageCount, ShouldEqual, 0)
		})

		Convey("更新标题要求归属", func() {
			So(repo.UpdateTitle(ctx, conv.ID, alice.ID, "renamed"), ShouldBeNil)
			got, _ := repo.FindByIDAndUser(ctx, conv.ID, alice.ID)
			So(got.Title, ShouldEqual, "renamed")

			err := repo.UpdateTitle(ctx, conv.ID, bob.ID, "hijack")
			So(errors.Is(err, gorm.ErrRecordNotFound), ShouldBeTrue)

			Convey("标题不变时不报错", func() {
				So(repo.UpdateTitle(ctx, conv.ID, alice.ID, "renamed"), ShouldBeNil)
			})
		})

		Convey("删除对话同时删除消息", func() {
			So(repo.CreateMessage(ctx, &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: "bye"}), ShouldBeNil)

			So(errors.Is(repo.Delete(ctx, conv.ID, bob.ID), gorm.ErrRecordNotFound), ShouldBeTrue)
			So(repo.Delete(ctx, conv.ID, alice.ID), ShouldBeNil)

			_, err := repo.FindByIDAndUser(ctx, conv.ID, alice.ID)
			So(errors.Is(err, gorm.ErrRecordNotFound), ShouldBeTrue)

			var count int64
			So(db.Model(&model.Message{}).Where("conversation_id = ?", conv.ID).Count(&count).Error, ShouldBeNil)
			So(count, ShouldEqual, 0)
		})

		Convey("LIKE 搜索只返回自己的消息", func() {
			bobConv := &model.Conversation{UserID: bob.ID}
			So(repo.Create(ctx, bobConv), ShouldBeNil)
			So(repo.CreateMessage(ctx, &model.Message{ConversationID: conv.ID, Role: model.RoleUser, Content: "tell me about 100% gophers"}), ShouldBeNil)
			So(repo.CreateMessage(ctx, &model.Message{ConversationID: bobConv.ID, Role: model.RoleUser, Content: "gophers again"}), ShouldBeNil)

			hits, err := repo.SearchMessages(ctx, alice.ID, "gophers", 10)
			So(err, ShouldBeNil)
			So(len(hits), ShouldEqual, 1)
			So(hits[0].ConversationID, ShouldEqual, conv.ID)

			hits, err = repo.SearchMessages(ctx, alice.ID, "100%", 10)
			So(err, ShouldBeNil)
			So(len(hits), ShouldEqual, 1)

			hits, err = repo.SearchMessages(ctx, alice.ID, "0%g", 10)
			So(err, ShouldBeNil)
			So(len(hits), ShouldEqual, 0)
		})
	})
}

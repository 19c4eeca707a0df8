package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	. "github.com/smartystreets/goconvey/convey"

	"ollama-chat-go/internal/repository"
	"ollama-chat-go/pkg/token"
)

func TestUserService(t *testing.T) {
	Convey("用户注册、登录与登出", t, func() {
		ctx := context.Background()
		db := newTestDB(t)
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		svc := NewUserService(repository.NewUserRepository(db), repository.NewTokenBlacklist(rdb), token.NewJWTManager("secret", 1, 7))

		user, pair, err := svc.Signup(ctx, " alice ", "pw")
		So(err, ShouldBeNil)
		So(user.Username, ShouldEqual, "alice")
		So(pair.AccessToken, ShouldNotBeEmpty)

		Convey("注册后的 token 可以认证", func() {
			got, err := svc.Authenticate(ctx, pair.AccessToken)
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, user.ID)
		})

		Convey("重复用户名", func() {
			_, _, err := svc.Signup(ctx, "alice", "pw2")
			So(errors.Is(err, ErrUserExists), ShouldBeTrue)
		})

		Convey("缺少用户名或密码", func() {
			_, _, err := svc.Signup(ctx, "", "pw")
			So(errors.Is(err, ErrMissingCredentials), ShouldBeTrue)
			_, _, err = svc.Signup(ctx, "carol", "")
			So(errors.Is(err, ErrMissingCredentials), ShouldBeTrue)
		})

		Convey("登录", func() {
			_, p, err := svc.Login(ctx, "alice", "pw")
			So(err, ShouldBeNil)
			So(p.RefreshToken, ShouldNotBeEmpty)

			_, _, err = svc.Login(ctx, "alice", "wrong")
			So(errors.Is(err, ErrInvalidCredentials), ShouldBeTrue)

			_, _, err = svc.Login(ctx, "nobody", "pw")
			So(errors.Is(err, ErrInvalidCredentials), ShouldBeTrue)
		})

		Convey("登出后 token 失效", func() {
			So(svc.Logout(ctx, pair.AccessToken, ""), ShouldBeNil)
			_, err := svc.Authenticate(ctx, pair.AccessToken)
			So(errors.Is(err, ErrTokenRevoked), ShouldBeTrue)

			Convey("未提交的 refresh token 仍然可用", func() {
				_, err := svc.RefreshToken(ctx, pair.RefreshToken)
				So(err, ShouldBeNil)
			})
		})

		Convey("登出时提交 refresh token 后不能再换新", func() {
			So(svc.Logout(ctx, pair.AccessToken, pair.RefreshToken), ShouldBeNil)
			_, err := svc.RefreshToken(ctx, pair.RefreshToken)
			So(errors.Is(err, ErrTokenRevoked), ShouldBeTrue)
		})

		Convey("其他用户的 refresh token 不会被吊销", func() {
			_, bobPair, err := svc.Signup(ctx, "bob", "pw")
			So(err, ShouldBeNil)
			So(svc.Logout(ctx, pair.AccessToken, bobPair.RefreshToken), ShouldBeNil)
			_, err = svc.RefreshToken(ctx, bobPair.RefreshToken)
			So(err, ShouldBeNil)
		})

		Convey("refresh token 换新", func() {
			p, err := svc.RefreshToken(ctx, pair.RefreshToken)
			So(err, ShouldBeNil)
			_, err = svc.Authenticate(ctx, p.AccessToken)
			So(err, ShouldBeNil)

			_, err = svc.RefreshToken(ctx, pair.AccessToken)
			So(err, ShouldNotBeNil)
		})
	})
}

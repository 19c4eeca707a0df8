package hash

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestPassword(t *testing.T) {
	Convey("HashPassword", t, func() {
		hashed, err := HashPassword("s3cret")
		So(err, ShouldBeNil)
		So(hashed, ShouldNotEqual, "s3cret")

		Convey("matches the original password", func() {
			So(CheckPasswordHash("s3cret", hashed), ShouldBeTrue)
		})

		Convey("rejects a wrong password", func() {
			So(CheckPasswordHash("wrong", hashed), ShouldBeFalse)
		})
	})
}

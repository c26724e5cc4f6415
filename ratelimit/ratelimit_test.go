package ratelimit

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLimiterRejectsConstructionWithBadArgs(t *testing.T) {
	Convey("zero unitSecs or maxCount is rejected", t, func() {
		_, err := New(0, 10, nil)
		So(err, ShouldNotBeNil)

		_, err = New(60, 0, nil)
		So(err, ShouldNotBeNil)
	})
}

func TestLimiterAllowsUpToMaxCount(t *testing.T) {
	Convey("an actor is allowed maxCount hits then denied", t, func() {
		limiter, err := New(60, 3, nil)
		So(err, ShouldBeNil)

		So(limiter.Allow("1.2.3.4"), ShouldBeTrue)
		So(limiter.Allow("1.2.3.4"), ShouldBeTrue)
		So(limiter.Allow("1.2.3.4"), ShouldBeTrue)
		So(limiter.Allow("1.2.3.4"), ShouldBeFalse)
	})
}

func TestLimiterTracksActorsIndependently(t *testing.T) {
	Convey("one actor's hits do not affect another's", t, func() {
		limiter, err := New(60, 1, nil)
		So(err, ShouldBeNil)

		So(limiter.Allow("1.2.3.4"), ShouldBeTrue)
		So(limiter.Allow("1.2.3.4"), ShouldBeFalse)
		So(limiter.Allow("5.6.7.8"), ShouldBeTrue)
	})
}

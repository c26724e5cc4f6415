package realm

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sentrymail/sentrymail/smtp"
)

func testDB() *DB {
	db := &DB{}
	db.Add(User{Name: "alice", Password: "secret"})
	return db
}

func TestAuthenticatorPlain(t *testing.T) {
	Convey("PLAIN with correct credentials succeeds", t, func() {
		a := &Authenticator{DB: testDB()}
		exchange, err := a.NewExchange("PLAIN")
		So(err, ShouldBeNil)

		identity, done, _, err := exchange.Next([]byte("\x00alice\x00secret"))
		So(err, ShouldBeNil)
		So(done, ShouldBeTrue)
		So(identity, ShouldEqual, "alice")
	})

	Convey("PLAIN with wrong password fails", t, func() {
		a := &Authenticator{DB: testDB()}
		exchange, _ := a.NewExchange("PLAIN")
		_, _, _, err := exchange.Next([]byte("\x00alice\x00wrong"))
		So(err, ShouldNotBeNil)
	})

	Convey("PLAIN with no initial response prompts an empty challenge first", t, func() {
		a := &Authenticator{DB: testDB()}
		exchange, _ := a.NewExchange("PLAIN")
		_, done, challenge, err := exchange.Next(nil)
		So(err, ShouldBeNil)
		So(done, ShouldBeFalse)
		So(challenge, ShouldResemble, []byte{})
	})
}

func TestAuthenticatorLogin(t *testing.T) {
	Convey("LOGIN walks Username then Password", t, func() {
		a := &Authenticator{DB: testDB()}
		exchange, err := a.NewExchange("LOGIN")
		So(err, ShouldBeNil)

		_, done, challenge, err := exchange.Next(nil)
		So(err, ShouldBeNil)
		So(done, ShouldBeFalse)
		So(string(challenge), ShouldEqual, "Username:")

		_, done, challenge, err = exchange.Next([]byte("alice"))
		So(err, ShouldBeNil)
		So(done, ShouldBeFalse)
		So(string(challenge), ShouldEqual, "Password:")

		identity, done, _, err := exchange.Next([]byte("secret"))
		So(err, ShouldBeNil)
		So(done, ShouldBeTrue)
		So(identity, ShouldEqual, "alice")
	})
}

func TestAuthenticatorUnsupportedMechanism(t *testing.T) {
	Convey("an unknown mechanism is rejected up front", t, func() {
		a := &Authenticator{DB: testDB()}
		_, err := a.NewExchange("CRAM-MD5")
		So(err, ShouldNotBeNil)
		So(errors.Is(err, smtp.ErrUnsupportedMechanism), ShouldBeTrue)
	})
}

func TestDBAddDuplicateUser(t *testing.T) {
	Convey("adding the same user twice fails", t, func() {
		db := testDB()
		err := db.Add(User{Name: "alice", Password: "other"})
		So(err, ShouldNotBeNil)
	})
}

// Package realm is a sample smtp.Realm backed by an in-memory user
// database, supporting the PLAIN and LOGIN SASL mechanisms (RFC 4616,
// the unofficial but widely deployed LOGIN mechanism).
//
// Grounded on the teacher's user/user.go and user/user_db.go, generalized
// from a bare name/password map into the mechanism dispatch smtp.Realm
// requires. The teacher's Get method called helpers.Assert(true, "Test"),
// a debug call left in by mistake with no corresponding definition
// anywhere in the repository; it is dropped rather than carried forward.
package realm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sentrymail/sentrymail/smtp"
)

// User is one authenticatable account.
type User struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CheckPassword reports whether password matches the account, unchanged
// from the teacher's User.CheckPassword.
func (u User) CheckPassword(password string) bool {
	return password == u.Password
}

// DB is an in-memory, mutex-guarded user database. Grounded on the
// teacher's UserDB, made safe for the concurrent access smtp.Realm requires
// (every connection's goroutine may authenticate at once).
type DB struct {
	mu    sync.RWMutex
	Users map[string]User `json:"users"`
}

func (db *DB) userExists(name string) bool {
	_, found := db.Users[name]
	return found
}

// Get looks up a user by name.
func (db *DB) Get(name string) (User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if !db.userExists(name) {
		return User{}, errors.New("realm: user not found")
	}
	return db.Users[name], nil
}

// Add registers a new user, failing if the name is already taken.
func (db *DB) Add(u User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.Users == nil {
		db.Users = make(map[string]User)
	}
	if db.userExists(u.Name) {
		return errors.New("realm: user already exists")
	}
	db.Users[u.Name] = u
	return nil
}

// Save writes the database to file as indented JSON.
func (db *DB) Save(file string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	output, err := json.MarshalIndent(db, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(file, output, 0644)
}

// Load reads a database previously written by Save.
func Load(file string) (*DB, error) {
	input, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	db := &DB{}
	if err := json.Unmarshal(input, db); err != nil {
		return nil, err
	}
	return db, nil
}

// Authenticator implements smtp.Realm against a DB, supporting PLAIN and
// LOGIN. It is safe for concurrent use by multiple connections: each AUTH
// command gets its own Exchange from NewExchange, so no state is shared
// across connections or across unrelated AUTH attempts.
type Authenticator struct {
	DB *DB
}

// Mechanisms lists the supported SASL mechanism names, in advertisement
// order.
func (a *Authenticator) Mechanisms() []string {
	return []string{"PLAIN", "LOGIN"}
}

// NewExchange starts a fresh dialog for mechanism.
func (a *Authenticator) NewExchange(mechanism string) (smtp.Exchange, error) {
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		return &plainExchange{db: a.DB}, nil
	case "LOGIN":
		return &loginExchange{db: a.DB}, nil
	default:
		return nil, fmt.Errorf("realm: %w: %s", smtp.ErrUnsupportedMechanism, mechanism)
	}
}

// plainExchange completes in a single Next call once data arrives: the
// response is "\x00user\x00pass" per RFC 4616 §2. A nil response (no
// SASL-IR given) draws an empty continuation prompt first.
type plainExchange struct {
	db *DB
}

func (e *plainExchange) Next(response []byte) (string, bool, []byte, error) {
	if response == nil {
		return "", false, []byte{}, nil
	}
	parts := strings.SplitN(string(response), "\x00", 3)
	if len(parts) != 3 {
		return "", false, nil, errors.New("realm: malformed PLAIN response")
	}
	username, password := parts[1], parts[2]
	user, err := e.db.Get(username)
	if err != nil || !user.CheckPassword(password) {
		return "", false, nil, errors.New("realm: invalid credentials")
	}
	return username, true, nil, nil
}

// loginExchange runs the classic two-challenge LOGIN dialog: "Username:"
// then "Password:". awaiting tracks which field the next non-priming
// response supplies.
type loginExchange struct {
	db       *DB
	username string
	awaiting string // "", "username", or "password"
}

func (e *loginExchange) Next(response []byte) (string, bool, []byte, error) {
	if e.awaiting == "" && response == nil {
		e.awaiting = "username"
		return "", false, []byte("Username:"), nil
	}
	switch e.awaiting {
	case "", "username":
		e.username = string(response)
		e.awaiting = "password"
		return "", false, []byte("Password:"), nil
	case "password":
		password := string(response)
		user, err := e.db.Get(e.username)
		if err != nil || !user.CheckPassword(password) {
			return "", false, nil, errors.New("realm: invalid credentials")
		}
		e.awaiting = "done"
		return e.username, true, nil, nil
	default:
		return "", false, nil, errors.New("realm: LOGIN exchange already complete")
	}
}

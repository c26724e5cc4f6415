// Package maildirstore is a sample smtp.MailboxFactory backed by
// github.com/sloonz/go-maildir, writing one message per accepted recipient
// into that recipient's own Maildir.
//
// The teacher's go.mod declares this dependency but never imports it
// anywhere in the retrieved source, and no copy of the module's source
// ships in the example pack, so the exact API surface below is a
// best-effort reconstruction from the package's well-known usage pattern
// (Dir.NewDelivery returning a Delivery with Write/Close/Abort) rather than
// something read from source; see DESIGN.md for this caveat.
package maildirstore

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	maildir "github.com/sloonz/go-maildir"

	"github.com/sentrymail/sentrymail/smtp"
)

// Factory maps a recipient mailbox to a Maildir rooted at Root/<local>
// (or Root/<local>@<domain> when Flat is true). It implements
// smtp.MailboxFactory.
type Factory struct {
	Root string
	Flat bool

	mu    sync.Mutex
	dirs  map[string]maildir.Dir
}

// CreateStore implements smtp.MailboxFactory.
func (f *Factory) CreateStore(recipient smtp.Address) (smtp.Store, error) {
	dir, err := f.dirFor(recipient)
	if err != nil {
		return nil, err
	}
	delivery, err := dir.NewDelivery()
	if err != nil {
		return nil, fmt.Errorf("maildirstore: start delivery for %s: %w", recipient, err)
	}
	return &store{delivery: delivery}, nil
}

func (f *Factory) dirFor(recipient smtp.Address) (maildir.Dir, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := recipient.String()
	if dir, ok := f.dirs[key]; ok {
		return dir, nil
	}

	name := recipient.Local
	if f.Flat {
		name = strings.ReplaceAll(key, "/", "_")
	}
	path := filepath.Join(f.Root, name)
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return "", fmt.Errorf("maildirstore: init maildir at %s: %w", path, err)
	}

	if f.dirs == nil {
		f.dirs = make(map[string]maildir.Dir)
	}
	f.dirs[key] = dir
	return dir, nil
}

// store adapts a maildir.Delivery to smtp.Store.
type store struct {
	delivery *maildir.Delivery
}

func (s *store) Write(p []byte) (int, error) {
	return s.delivery.Write(p)
}

func (s *store) Close() error {
	_, err := s.delivery.Close()
	return err
}

func (s *store) Abort() error {
	return s.delivery.Abort()
}

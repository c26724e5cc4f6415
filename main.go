// Command sentrymaild runs one SMTP listener: an MTA endpoint by default,
// or an MSA submission endpoint when -submission is given.
//
// Grounded on the teacher's root main.go (smtp.Config + smtp.NewMSAServer),
// generalized to load its configuration from file, wire a user realm and
// Maildir storage, and apply CIDR/rate-limit connection filters before
// accepting a connection.
package main

import (
	"flag"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sentrymail/sentrymail/config"
	"github.com/sentrymail/sentrymail/maildirstore"
	"github.com/sentrymail/sentrymail/netacl"
	"github.com/sentrymail/sentrymail/ratelimit"
	"github.com/sentrymail/sentrymail/realm"
	"github.com/sentrymail/sentrymail/smtp"
)

func main() {
	configPath := flag.String("config", "sentrymaild.json", "path to the endpoint configuration file")
	usersPath := flag.String("users", "", "path to a realm user database (enables AUTH if set)")
	maildirRoot := flag.String("maildir", "", "root directory for Maildir storage (enables delivery if set)")
	submission := flag.Bool("submission", false, "run as an MSA submission endpoint (AUTH required)")
	flag.Parse()

	fc, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("sentrymaild: %v", err)
	}
	cfg, err := fc.ToSMTPConfig()
	if err != nil {
		log.Fatalf("sentrymaild: %v", err)
	}
	cfg.AuthRequired = cfg.AuthRequired || *submission
	cfg.Sink = smtp.NewLogrusSink(logrus.StandardLogger())

	if *usersPath != "" {
		db, err := realm.Load(*usersPath)
		if err != nil {
			log.Fatalf("sentrymaild: loading user database: %v", err)
		}
		cfg.Realm = &realm.Authenticator{DB: db}
	}
	if *maildirRoot != "" {
		cfg.MailboxFactory = &maildirstore.Factory{Root: *maildirRoot}
	}

	var filters []smtp.ConnectionFilter
	if len(cfg.AllowedNetworks) > 0 || len(cfg.BlockedNetworks) > 0 {
		filters = append(filters, &netacl.Filter{Allowed: cfg.AllowedNetworks, Blocked: cfg.BlockedNetworks})
	}
	limiter, err := ratelimit.New(60, 120, logrus.StandardLogger())
	if err != nil {
		log.Fatalf("sentrymaild: %v", err)
	}
	filters = append(filters, ratelimit.Filter{Limiter: limiter})

	server, err := smtp.NewServer(cfg, filters...)
	if err != nil {
		log.Fatalf("sentrymaild: %v", err)
	}
	log.Printf("sentrymaild: listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("sentrymaild: %v", err)
	}
}

// Command duonet-echo-server is a minimal example server that grants
// sessions, negotiates one custom data type ("echo"), and sends back
// whatever a client streams to it. It exists to demonstrate the
// server package's wiring, not as a production service.
package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duonet/duonet/packet"
	"github.com/duonet/duonet/server"
)

func main() {
	configPath := flag.String("config", "config/server.yml", "path to the YAML config file")
	flag.Parse()

	log := logrus.StandardLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Warn("no config file loaded, using defaults")
	}

	opts := server.DefaultOptions()
	opts.ListenAddress = cfg.ListenAddress
	opts.MaxClients = cfg.MaxClients
	opts.UseBlacklist = cfg.UseBlacklist
	if cfg.AlivenessTestDelayMs > 0 {
		opts.AlivenessTestDelay = time.Duration(cfg.AlivenessTestDelayMs) * time.Millisecond
	}

	var acl server.AddressList
	if cfg.ACLDatabasePath != "" {
		sqliteACL, err := server.OpenSQLiteACL(cfg.ACLDatabasePath)
		if err != nil {
			log.WithError(err).Fatal("failed to open ACL database")
		}
		defer sqliteACL.Close()
		acl = sqliteACL
		log.WithField("path", cfg.ACLDatabasePath).Info("using SQLite-backed address list")
	}

	var s *server.Server
	s = server.New(opts, server.Callbacks{
		Connect: func(e *server.ClientEntry) {
			log.WithField("client_id", e.ID()).Info("client connected")
		},
		Disconnect: func(e *server.ClientEntry) {
			log.WithField("client_id", e.ID()).Info("client disconnected")
		},
		Reject: func(e *server.ClientEntry) {
			log.WithField("addr", e.Addr()).Warn("client rejected")
		},
		TransmitError: func(p *packet.Packet, e *server.ClientEntry, method packet.Method, err error) {
			log.WithError(err).WithField("method", method).Warn("transmit error")
		},
	}, acl, log)

	s.AddHandler("echo", func(e *server.ClientEntry, p *packet.Packet) {
		msg, err := p.RemoveString()
		if err != nil {
			return
		}
		log.WithField("client_id", e.ID()).WithField("msg", msg).Debug("echo received")
		reply := packet.New(p.DataID())
		reply.AddString(msg)
		s.StreamToClient(e, reply)
	})

	if err := s.Start(); err != nil {
		log.WithError(err).Fatal("failed to bind")
	}
	log.WithField("address", opts.ListenAddress).Info("listening")

	for {
		if err := s.Update(); err != nil {
			log.WithError(err).Warn("update reported errors")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

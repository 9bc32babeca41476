// Command duonet-echo-client is a minimal example client that
// connects to duonet-echo-server, negotiates the "echo" data type,
// and streams a counter message once a second, logging whatever
// comes back. It exists to demonstrate the client package's wiring,
// not as a production tool.
package main

import (
	"flag"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duonet/duonet/client"
	"github.com/duonet/duonet/packet"
)

func main() {
	configPath := flag.String("config", "config/client.yml", "path to the YAML config file")
	flag.Parse()

	log := logrus.StandardLogger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Warn("no config file loaded, using defaults")
	}

	opts := client.DefaultOptions()
	opts.ServerAddress = cfg.ServerAddress
	if cfg.AlivenessTestDelayMs > 0 {
		opts.AlivenessTestDelay = time.Duration(cfg.AlivenessTestDelayMs) * time.Millisecond
	}
	if cfg.ShouldAttemptReconnect != nil {
		opts.ShouldAttemptReconnect = *cfg.ShouldAttemptReconnect
	}

	ready := make(chan struct{}, 1)

	var c *client.Client
	c = client.New(opts, client.Callbacks{
		Connect: func() {
			log.WithField("client_id", c.ClientID()).Info("connected")
		},
		Ready: func() {
			log.Info("ready")
			select {
			case ready <- struct{}{}:
			default:
			}
		},
		Disconnect: func() {
			log.Warn("disconnected")
		},
		AttemptReconnect: func() {
			log.Warn("session lost, attempting to reconnect")
		},
		Reconnect: func() {
			log.Info("reconnected with the same session")
		},
		TransmitError: func(p *packet.Packet, method packet.Method, err error) {
			log.WithError(err).WithField("method", method).Warn("transmit error")
		},
	}, log)

	c.AddHandler("echo", func(_ struct{}, p *packet.Packet) {
		msg, err := p.RemoveString()
		if err != nil {
			return
		}
		log.WithField("msg", msg).Info("echo reply")
	})

	if err := c.Connect(); err != nil {
		log.WithError(err).Fatal("connect")
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	counter := 0

	for {
		if err := c.Update(); err != nil {
			log.WithError(err).Warn("update reported an error")
		}

		select {
		case <-ready:
			log.Info("negotiated data list, starting to echo")
		case <-tick.C:
			if c.State() == client.Connected {
				id, ok := c.Lookup("echo")
				if ok {
					counter++
					p := packet.New(id)
					p.AddString("tick " + time.Now().Format(time.RFC3339) + " #" + strconv.Itoa(counter))
					c.StreamToServer(p)
				}
			}
		default:
		}

		time.Sleep(10 * time.Millisecond)
	}
}

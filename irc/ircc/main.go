package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/presbrey/ircdcc/config"
	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/irc"
	"github.com/presbrey/ircdcc/irc/command"
	"github.com/presbrey/ircdcc/session"
	"github.com/presbrey/ircdcc/statusd"
	"github.com/presbrey/ircdcc/wait"
)

func main() {
	configSource := flag.String("config", os.Getenv("IRCDCC_CONFIG"), "Config file path or URL (toml, yaml or json)")
	envName := flag.String("env", ".env", "Environment file name searched from the working directory upwards")
	waitFor := flag.Duration("wait", 0, "Wait up to this long for the server port to accept connections")
	debug := flag.Bool("debug", false, "Log every protocol line")
	flag.Parse()

	if _, err := config.LoadDotEnv("", *envName); err != nil {
		log.Printf("Warning: %v", err)
	}

	cfg, err := config.Load(*configSource)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *debug {
		cfg.Debug = true
	}

	log.Printf("Server: %s (ssl: %v)", cfg.ServerAddress(), cfg.Server.SSL)
	log.Printf("Nick: %s", cfg.Identity.Nick)
	log.Printf("Download directory: %s", cfg.DCC.DownloadDir)

	if *waitFor > 0 {
		log.Printf("Waiting for %s...", cfg.ServerAddress())
		opts := wait.DefaultOptions().
			WithTimeout(*waitFor).
			WithStrategy(wait.NewExponentialStrategy(250*time.Millisecond, 2, 5*time.Second))
		if err := wait.ForTCP(cfg.ServerAddress(), opts); err != nil {
			log.Fatalf("Server not reachable: %v", err)
		}
	}

	s, err := session.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	con := &console{session: s, quitCh: make(chan struct{})}
	con.subscribe()

	var api *statusd.Server
	if cfg.Status.Enabled {
		api = statusd.New(s)
		go func() {
			log.Printf("Status API listening on %s", cfg.Status.Addr)
			if err := api.Start(cfg.Status.Addr); err != nil {
				log.Printf("Status API stopped: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = s.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	go con.readInput(os.Stdin)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, disconnecting...")
	case <-con.quit():
	}

	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(ctx); err != nil {
			log.Printf("Error stopping status API: %v", err)
		}
		cancel()
	}
	if err := s.Close(); err != nil {
		log.Printf("Error closing session: %v", err)
	}
	log.Println("Goodbye!")
}

// console prints session events and feeds stdin lines to the session
type console struct {
	session *session.Session

	mu      sync.Mutex
	channel string

	quitOnce sync.Once
	quitCh   chan struct{}
}

func (c *console) quit() <-chan struct{} { return c.quitCh }

// requestQuit may run from stdin and the status API at once
func (c *console) requestQuit() {
	c.quitOnce.Do(func() { close(c.quitCh) })
}

func (c *console) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *console) setCurrent(ch string) {
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
}

func (c *console) subscribe() {
	s := c.session

	s.Client.Events.Message.Subscribe(func(m *irc.Message) {
		switch {
		case m.IsPrivateMessage():
			if verb, text, ok := m.CTCP(); ok {
				if verb == "ACTION" {
					log.Printf("%s * %s %s", m.Target(), m.Sender(), text)
				}
				return
			}
			log.Printf("%s <%s> %s", m.Target(), m.Sender(), m.Content())
		case m.IsNotice():
			log.Printf("-%s- %s", m.Sender(), m.Content())
		case m.IsJoin(), m.IsPart(), m.IsQuit(), m.IsNick(), m.IsKick(), m.IsTopic():
			log.Printf("%s %s %s", m.Sender(), strings.ToLower(m.Command), strings.Join(m.Params, " "))
		case m.IsError():
			log.Printf("ERROR %s", m.Content())
		}
	})
	s.Client.Events.Status.Subscribe(func(e irc.StatusEvent) {
		if e.Reason != "" {
			log.Printf("[%s] %s as %s: %s", e.State, e.Server, e.Nick, e.Reason)
			return
		}
		log.Printf("[%s] %s as %s", e.State, e.Server, e.Nick)
	})
	s.Client.Events.Error.Subscribe(func(err error) {
		log.Printf("Connection error: %v", err)
	})

	s.Grouped.Subscribe(func(m *irc.Message) {
		log.Printf("== %s ==", m.Param(0))
		for _, child := range m.Children {
			params := child.Params
			if len(params) > 1 {
				params = params[1:]
			}
			log.Printf("  %s", strings.Join(params, " "))
		}
	})
	s.Offers.Subscribe(func(o session.PendingOffer) {
		log.Printf("%s offers %s (%d bytes); /dcc get %s to accept", o.From, o.Offer.FileName, o.Offer.Size, o.ID)
	})
	s.DCC.Changed.Subscribe(func(t dcc.Transfer) {
		if t.Error != "" {
			log.Printf("DCC %s %s %s: %s (%s)", t.ID, t.Direction, t.FileName, t.Status, t.Error)
			return
		}
		log.Printf("DCC %s %s %s: %s", t.ID, t.Direction, t.FileName, t.Status)
	})

	d := s.Dispatcher
	d.Output.Subscribe(func(text string) {
		log.Print(text)
	})
	d.Clear.Subscribe(func(string) {
		os.Stdout.WriteString("\033[H\033[2J")
	})
	d.CommandError.Subscribe(func(f command.Failure) {
		log.Printf("%s: %v", f.Name, f.Err)
	})
	d.CommandExecuted.Subscribe(func(e command.Executed) {
		switch e.Name {
		case "join", "query":
			if e.Channel != "" {
				c.setCurrent(e.Channel)
			}
		case "part":
			if e.Channel == c.current() {
				c.setCurrent("")
			}
		case "quit":
			c.requestQuit()
		}
	})
}

func (c *console) readInput(f *os.File) {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		err := c.session.Input(line, c.current())
		if err == nil {
			continue
		}
		// failures of known commands already went out on CommandError
		if !c.session.Dispatcher.IsCommand(line) || errors.Is(err, command.ErrUnknownCommand) {
			log.Printf("%v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/trilink/internal/client"
	"github.com/danmuck/trilink/internal/logging"
	"github.com/danmuck/trilink/internal/protocol"
	"github.com/danmuck/trilink/internal/protocol/frame"
	"github.com/danmuck/trilink/internal/reactor"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "cmd/linkctl/config.toml", "path to linkctl config")
	name := flag.String("name", "", "session id to log in as")
	to := flag.String("to", "", "default receiver for plain lines")
	flag.Parse()

	if err := run(*configPath, *name, *to); err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, name, to string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("-name required")
	}
	cfg, err := loadRuntimeConfig(configPath)
	missing := errors.Is(err, fs.ErrNotExist)
	if missing {
		cfg = defaultRuntimeConfig()
	} else if err != nil {
		return err
	}

	logging.ApplyEnvOverrides(&cfg.Log)
	sink := logging.New(cfg.Log, os.Stderr)
	log := sink.Logger.With().Str("app", "linkctl").Logger()
	if missing {
		log.Warn().Str("path", configPath).Msg("linkctl config not found, using defaults")
	}

	c, err := client.New(cfg.Client, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	<-c.Ready()
	if err := c.Connect(ctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	if err := c.Send(ctx, frame.NewCommand(protocol.OpLogin, protocol.SubUser, []byte(name))); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	sess := &shell{c: c, to: to, out: os.Stdout}
	g.Go(func() error { return sess.print(ctx) })

	// stdin reads cannot be cancelled; the reader stays outside the group.
	input := make(chan error, 1)
	go func() { input <- sess.read(ctx, os.Stdin) }()
	g.Go(func() error {
		select {
		case err := <-input:
			_ = c.Close()
			stop()
			return err
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// shell turns stdin lines into sends and prints what arrives.
type shell struct {
	c   *client.Client
	to  string
	out io.Writer
}

func (s *shell) read(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		pkg, quit, err := parseLine(scanner.Text(), s.to)
		if err != nil {
			fmt.Fprintf(s.out, "! %v\n", err)
			continue
		}
		if quit {
			return nil
		}
		if pkg == nil {
			continue
		}
		if err := s.c.Send(ctx, pkg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *shell) print(ctx context.Context) error {
	for {
		pkg, err := s.c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, reactor.ErrRendezvousClosed) {
				return nil
			}
			if errors.Is(err, protocol.ErrServerClosedSession) || errors.Is(err, protocol.ErrSessionUnrecoverable) {
				return err
			}
			fmt.Fprintf(s.out, "! %v\n", err)
			continue
		}
		fmt.Fprintln(s.out, describe(pkg))
	}
}

// parseLine reads one input line:
//
//	@bob hello     message to bob
//	/file <path>   upload a file
//	/logout        end the session on the server
//	/quit          close and exit
//
// Anything else goes to the default receiver.
func parseLine(line, defaultTo string) (*frame.Package, bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, false, nil
	case line == "/quit":
		return nil, true, nil
	case line == "/logout":
		return frame.NewCommand(protocol.OpLogout, protocol.SubUser, nil), false, nil
	case strings.HasPrefix(line, "/file "):
		pkg, err := frame.NewFile(protocol.OpSendData, protocol.SubNone, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		return pkg, false, err
	case strings.HasPrefix(line, "@"):
		to, text, _ := strings.Cut(line[1:], " ")
		if to == "" {
			return nil, false, fmt.Errorf("missing receiver")
		}
		return frame.NewMessage(protocol.OpSendMessage, protocol.SubNone, "", to, []byte(strings.TrimSpace(text))), false, nil
	case strings.HasPrefix(line, "/"):
		return nil, false, fmt.Errorf("unknown command %s", line)
	default:
		if defaultTo == "" {
			return nil, false, fmt.Errorf("no receiver; use @name or -to")
		}
		return frame.NewMessage(protocol.OpSendMessage, protocol.SubNone, "", defaultTo, []byte(line)), false, nil
	}
}

func describe(pkg *frame.Package) string {
	switch {
	case pkg.Kind == frame.KindMessage && pkg.Operation == protocol.OpOfflineMessage:
		return fmt.Sprintf("* %s is offline", pkg.Sender)
	case pkg.Kind == frame.KindMessage:
		return fmt.Sprintf("<%s> %s", pkg.Sender, pkg.Content())
	case pkg.Kind == frame.KindFile && pkg.File != nil:
		return fmt.Sprintf("* file %s (%d bytes)", pkg.File.Path, pkg.File.Size)
	case pkg.Operation == protocol.OpError:
		return fmt.Sprintf("! %s %s", pkg.Kind, pkg.Content())
	default:
		return fmt.Sprintf("* %s %s", pkg.Kind, pkg.Operation)
	}
}

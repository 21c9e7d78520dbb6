package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"rootshare/internal/auth"
	"rootshare/internal/config"
	"rootshare/internal/httpserver"
	"rootshare/internal/links"
	"rootshare/internal/logging"
	"rootshare/internal/roots"
	"rootshare/internal/store"
	"rootshare/internal/upload"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serveCmd(args)
	case "passwd":
		err = passwdCmd(args)
	case "useradd":
		err = useraddCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (serve|passwd|useradd)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "rootshare:", err)
		os.Exit(1)
	}
}

// baseFlags are shared by every subcommand.
type baseFlags struct {
	config string
	state  string
}

func (b *baseFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&b.config, "config", "", "path to YAML config (optional)")
	fs.StringVar(&b.state, "state", "", "state dir (overrides config)")
}

func (b *baseFlags) load() (config.Config, error) {
	cfg, err := config.Load(b.config)
	if err != nil {
		return config.Config{}, err
	}
	if b.state != "" {
		cfg.StateDir = b.state
		if err := cfg.Finalize(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var base baseFlags
	base.register(fs)
	addr := fs.String("addr", "", "listen address (overrides config)")
	root := fs.String("root", "", "directory to share on first start (overrides config roots)")
	_ = fs.Parse(args)

	cfg, err := base.load()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *root != "" {
		cfg.Roots = []config.RootConfig{{Path: *root}}
		if err := cfg.Finalize(); err != nil {
			return err
		}
	}

	lg, err := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, SetDefault: true})
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Driver, cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	users, bootstrapped, err := auth.OpenUsers(st, auth.Bcrypt{})
	if err != nil {
		return err
	}
	if bootstrapped {
		lg.Warn("created default admin account with the default password; change it now",
			"user", auth.DefaultAdminName)
	}

	sessions := auth.NewSessions(auth.SessionOptions{
		TTL:           cfg.Session.TTL,
		Binding:       auth.BindingFor(cfg.Session.Binding),
		SinglePerUser: cfg.SinglePerUser(),
		SweepInterval: time.Minute,
	})
	defer sessions.Close()

	reg, err := roots.Open(st, rootDefaults(cfg), cfg.FollowSymlinks)
	if err != nil {
		return err
	}
	lr, err := links.Open(st, reg, links.Options{TTL: cfg.Links.TTL})
	if err != nil {
		return err
	}
	up, err := upload.New(reg, cfg.StateDir, cfg.MaxUploadBytes())
	if err != nil {
		return fmt.Errorf("uploads: %w", err)
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Logger:   lg,
		Users:    users,
		Sessions: sessions,
		Roots:    reg,
		Links:    lr,
		Uploads:  up,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv.StartJanitor(ctx, 10*time.Minute)

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(lg.Handler(), slog.LevelWarn),
	}

	for _, r := range reg.List() {
		lg.Info("sharing root", "id", r.ID, "path", r.Path)
	}
	lg.Info("rootshare listening", "addr", cfg.Addr, "state", cfg.StateDir, "store", cfg.Store.Driver)
	lg.Info("webdav endpoint", "path", "/dav/<root>/")

	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", "err", err)
		_ = hs.Close()
	}
	return nil
}

// rootDefaults is the root list used when the store has none yet.
func rootDefaults(cfg config.Config) []roots.Root {
	if len(cfg.Roots) == 0 {
		return []roots.Root{{ID: "uploads", Path: filepath.Join(cfg.StateDir, "uploads")}}
	}
	out := make([]roots.Root, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		out = append(out, roots.Root{ID: r.ID, Path: r.Path})
	}
	return out
}

// openUsers opens the account table for offline commands. Run these while
// the server is stopped; a running server keeps its own copy in memory.
func openUsers(base baseFlags) (*auth.Users, store.Store, error) {
	cfg, err := base.load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Store.Driver, cfg.StateDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	users, _, err := auth.OpenUsers(st, auth.Bcrypt{})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return users, st, nil
}

func passwdCmd(args []string) error {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var base baseFlags
	base.register(fs)
	user := fs.String("user", auth.DefaultAdminName, "account to change")
	_ = fs.Parse(args)

	users, st, err := openUsers(base)
	if err != nil {
		return err
	}
	defer st.Close()
	if _, err := users.Get(*user); err != nil {
		return fmt.Errorf("user %q: %w", *user, err)
	}
	pw, err := promptPassword("New password for " + *user)
	if err != nil {
		return err
	}
	if err := users.ChangePassword(*user, pw); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "password updated for %s\n", *user)
	return nil
}

func useraddCmd(args []string) error {
	fs := flag.NewFlagSet("useradd", flag.ExitOnError)
	var base baseFlags
	base.register(fs)
	user := fs.String("user", "", "account name (required)")
	role := fs.String("role", string(auth.RoleUser), "role: admin or user")
	_ = fs.Parse(args)
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: rootshare useradd -user <name> [-role admin|user]")
		os.Exit(2)
	}

	users, st, err := openUsers(base)
	if err != nil {
		return err
	}
	defer st.Close()
	pw, err := promptPassword("Password for " + *user)
	if err != nil {
		return err
	}
	if err := users.Create(*user, pw, auth.Role(*role)); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "created %s (%s)\n", *user, *role)
	return nil
}

// promptPassword asks twice on a terminal; otherwise it reads one line
// from stdin so it can be scripted.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("read password: %w", err)
		}
		pw := strings.TrimRight(line, "\r\n")
		if pw == "" {
			return "", errors.New("password cannot be empty")
		}
		return pw, nil
	}
	for {
		fmt.Fprintf(os.Stderr, "%s: ", label)
		p1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		p2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		if len(p1) == 0 {
			fmt.Fprintln(os.Stderr, "password cannot be empty")
			continue
		}
		if string(p1) != string(p2) {
			fmt.Fprintln(os.Stderr, "passwords do not match")
			continue
		}
		return string(p1), nil
	}
}

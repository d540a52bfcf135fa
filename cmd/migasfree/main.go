// Package main implements the migasfree client command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/migasfree/migasfree-client/internal/config"
	"github.com/migasfree/migasfree-client/internal/machine"
	"github.com/migasfree/migasfree-client/internal/pms"
	"github.com/migasfree/migasfree-client/internal/sync"
	"github.com/migasfree/migasfree-client/internal/transport"
)

var (
	confFile     = flag.String("conf", config.DefaultConfFile, "Settings file")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	forceUpgrade = flag.Bool("force-upgrade", false, "Force package updates during sync")
	registerUser = flag.String("user", "", "User to register computer at server")
	showVersion  = flag.Bool("version", false, "Show version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\n", sync.Cmd)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintf(os.Stderr, "  sync\t\tsynchronize computer with server\n")
	fmt.Fprintf(os.Stderr, "  register\tregister computer at server\n")
	fmt.Fprintf(os.Stderr, "  search PAT\tsearch available packages\n")
	fmt.Fprintf(os.Stderr, "  install PKG\tinstall package\n")
	fmt.Fprintf(os.Stderr, "  purge PKG\tpurge package\n")
	fmt.Fprintf(os.Stderr, "  mtls\t\tobtain the client certificate from the server\n\n")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", sync.Cmd, machine.Version)
		return
	}

	if flag.NArg() < 1 {
		usage()
		os.Exit(sync.ExitNotPermitted)
	}

	log.SetFlags(log.LstdFlags)

	if os.Geteuid() != 0 {
		log.Printf("[ERROR] User has insufficient privileges to execute this command")
		os.Exit(sync.ExitPrivilege)
	}

	settings, err := config.Load(*confFile)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	if *debug {
		settings.Debug = true
	}
	if *forceUpgrade {
		settings.AutoUpdatePackages = true
	}

	paths := config.DefaultPaths()

	manager, err := pms.Detect(pms.ShellRunner(settings.Debug))
	if err != nil {
		log.Printf("[WARN] %v", err)
	}

	client, err := buildClient(settings, paths)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleSignals(cancel)

	s := sync.New(settings, paths, client, manager, nil)

	switch flag.Arg(0) {
	case "sync":
		if err := runLocked(paths, func() error { return s.Run(ctx) }); err != nil {
			exitWithError(err)
		}
		if !s.PMSOK() {
			os.Exit(sync.ExitPMSError)
		}
	case "register":
		if err := register(ctx, s); err != nil {
			exitWithError(err)
		}
	case "install":
		requirePackages()
		err := runLocked(paths, func() error {
			return s.InstallPackage(ctx, strings.Join(flag.Args()[1:], " "))
		})
		if err != nil {
			exitWithError(err)
		}
	case "purge":
		requirePackages()
		err := runLocked(paths, func() error {
			return s.RemovePackage(ctx, strings.Join(flag.Args()[1:], " "))
		})
		if err != nil {
			exitWithError(err)
		}
	case "search":
		requirePackages()
		if manager == nil {
			log.Fatalf("[ERROR] %v", pms.ErrNoPMS)
		}
		pattern := strings.ToLower(strings.Join(flag.Args()[1:], " "))
		for _, pkg := range manager.AvailablePackages(ctx) {
			if strings.Contains(strings.ToLower(pkg), pattern) {
				fmt.Println(pkg)
			}
		}
	case "mtls":
		if err := installCertificate(ctx, settings, paths); err != nil {
			exitWithError(err)
		}
	default:
		usage()
		os.Exit(sync.ExitNotPermitted)
	}
}

// installCertificate bootstraps the mTLS material: it pins the server CA
// first, then requests a token and downloads the certificate bundle.
func installCertificate(ctx context.Context, settings *config.Settings, paths config.Paths) error {
	dir := paths.ServerCerts(settings.Server)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create certs directory: %w", err)
	}

	files := transport.CertFilesIn(dir)
	if settings.Protocol == "https" {
		ca, err := transport.FetchServerCA(ctx, settings.Server)
		if err != nil {
			return err
		}
		if err := os.WriteFile(files.CA, ca, 0o644); err != nil {
			return fmt.Errorf("failed to write CA bundle: %w", err)
		}
		log.Printf("[INFO] Server CA pinned at %s", files.CA)
	}

	cfg := transport.Config{
		URLBase: settings.URLBase(),
		Project: settings.Project,
		Proxy:   settings.Proxy,
		Debug:   settings.Debug,
	}
	if _, err := os.Stat(files.CA); err == nil {
		cfg.CAFile = files.CA
	}
	client, err := transport.New(cfg, nil)
	if err != nil {
		return err
	}

	installed, err := client.FetchAndInstallCertificate(ctx, machine.HardwareUUID(), settings.Project, dir)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Client certificate installed at %s", installed.Cert)
	return nil
}

// buildClient assembles the transport, attaching the mTLS material when a
// certificate has been installed for this server.
func buildClient(settings *config.Settings, paths config.Paths) (*transport.Client, error) {
	cfg := transport.Config{
		URLBase: settings.URLBase(),
		Project: settings.Project,
		Proxy:   settings.Proxy,
		Debug:   settings.Debug,
	}

	files := transport.CertFilesIn(paths.ServerCerts(settings.Server))
	if files.HasCertificate() {
		cfg.CertFile = files.Cert
		cfg.KeyFile = files.Key
		if _, err := os.Stat(files.CA); err == nil {
			cfg.CAFile = files.CA
		}
	}

	return transport.New(cfg, nil)
}

// handleSignals aborts the run on INT, TERM or QUIT with the interrupted
// exit code.
func handleSignals(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-ch
		log.Printf("[ERROR] Killing %s before time, signal: %v", sync.Cmd, sig)
		cancel()
		os.Exit(sync.ExitInterrupted)
	}()
}

// runLocked serializes fn behind the per-host run lock, releasing the
// lock before the caller decides the exit code.
func runLocked(paths config.Paths, fn func() error) error {
	lock, err := sync.AcquireLock(sync.Cmd, paths.LockFile(sync.Cmd))
	if err != nil {
		var locked *sync.LockedError
		if errors.As(err, &locked) {
			log.Printf("[ERROR] %v", locked)
			os.Exit(sync.ExitNotPermitted)
		}
		log.Fatalf("[ERROR] %v", err)
	}
	defer lock.Release()

	return fn()
}

// register tries the anonymous autoregistration first and falls back to
// prompting for credentials.
func register(ctx context.Context, s *sync.Synchronizer) error {
	if err := s.AutoRegister(ctx); err == nil {
		log.Printf("[INFO] Computer registered at server")
		return nil
	}

	user := *registerUser
	if user == "" {
		fmt.Print("User to register computer at server: ")
		if _, err := fmt.Scanln(&user); err != nil || user == "" {
			return fmt.Errorf("empty user, exiting %s", sync.Cmd)
		}
	}

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	return s.Register(ctx, user, string(password))
}

func requirePackages() {
	if flag.NArg() < 2 {
		usage()
		os.Exit(sync.ExitNotPermitted)
	}
}

// exitWithError maps a failure to its errno-style exit code.
func exitWithError(err error) {
	log.Printf("[ERROR] %v", err)

	var exitErr *sync.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}

	var terr *transport.Error
	if errors.As(err, &terr) && terr.Kind == transport.KindConnectionRefused {
		os.Exit(sync.ExitConnRefused)
	}

	os.Exit(sync.ExitNotPermitted)
}

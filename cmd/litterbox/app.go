package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Gerharddc/litterbox/internal/config"
	"github.com/Gerharddc/litterbox/internal/crypto"
	"github.com/Gerharddc/litterbox/internal/logging"
	"github.com/Gerharddc/litterbox/internal/registry"
	"github.com/Gerharddc/litterbox/internal/vault"
)

// app bundles what most commands need: the loaded configuration, the log
// dispatcher and handles on the vault and the attachment registry.
type app struct {
	cfg      *config.Config
	logs     *logging.Dispatcher
	vault    *vault.Vault
	registry *registry.Registry
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logs, err := logging.NewFromConfig(cfg.Logging, cfg.LogFile())
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	opts := []vault.Option{
		vault.WithKDFParams(cfg.Vault.KDF.Params()),
		vault.WithLogger(logs.ComponentLogger("vault")),
	}
	if cfg.Vault.LockTimeout > 0 {
		opts = append(opts, vault.WithLockTimeout(time.Duration(cfg.Vault.LockTimeout)*time.Second))
	}
	v := vault.New(cfg.VaultPath(), opts...)

	return &app{
		cfg:      cfg,
		logs:     logs,
		vault:    v,
		registry: registry.New(v, logs.ComponentLogger("registry")),
	}, nil
}

func (a *app) Close() {
	_ = a.logs.Close()
}

// passwordReader reads passwords from the terminal without echo, or one
// line at a time when stdin is not a terminal.
type passwordReader struct {
	in     *os.File
	out    io.Writer
	lines  *bufio.Reader
	isTerm bool
}

func newPasswordReader(cmd *cobra.Command) *passwordReader {
	return &passwordReader{
		in:     os.Stdin,
		out:    cmd.ErrOrStderr(),
		isTerm: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

func (r *passwordReader) read(prompt string) ([]byte, error) {
	if r.isTerm {
		fmt.Fprint(r.out, prompt)
		pw, err := term.ReadPassword(int(r.in.Fd()))
		fmt.Fprintln(r.out)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}

	if r.lines == nil {
		r.lines = bufio.NewReader(r.in)
	}
	line, err := r.lines.ReadBytes('\n')
	if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	pw := bytes.TrimRight(line, "\r\n")
	out := append([]byte(nil), pw...)
	crypto.Wipe(line)
	return out, nil
}

// readNew asks for a new password twice.
func (r *passwordReader) readNew(prompt string) ([]byte, error) {
	pw, err := r.read(prompt)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	again, err := r.read("Repeat password: ")
	if err != nil {
		crypto.Wipe(pw)
		return nil, err
	}
	defer crypto.Wipe(again)
	if !bytes.Equal(pw, again) {
		crypto.Wipe(pw)
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

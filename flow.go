package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"keysign/errs"
	"keysign/fingerprint"
	"keysign/models"
	"keysign/session"
)

// driver consumes machine updates until the interaction is over.
type driver func(ctx context.Context, m *session.Machine) error

func newPresentCommand(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "present [pattern]",
		Short: "Offer one of your keys to people nearby",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			m, err := a.newMachine(firstArg(args))
			if err != nil {
				return err
			}
			p, err := newReadlinePrompter()
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			return runMachine(cmd.Context(), m, a.serveMetrics, func(ctx context.Context, m *session.Machine) error {
				return drivePresent(ctx, m, p, out)
			})
		},
	}
}

func newReceiveCommand(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "receive [fingerprint|openpgp4fpr:...]",
		Short: "Download, verify and sign someone else's key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			if _, err := a.dir.RequireSecretKeys(""); err != nil {
				return err
			}
			m, err := a.newMachine("")
			if err != nil {
				return err
			}
			p, err := newReadlinePrompter()
			if err != nil {
				return err
			}
			defer p.Close()

			out := cmd.OutOrStdout()
			input := strings.Join(args, "")
			return runMachine(cmd.Context(), m, a.serveMetrics, func(ctx context.Context, m *session.Machine) error {
				return driveReceive(ctx, m, input, p, out)
			})
		},
	}
}

// runMachine runs m, the metrics endpoint and drive together. Returning from
// drive stops everything.
func runMachine(ctx context.Context, m *session.Machine, serveMetrics func(context.Context) error, drive driver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := m.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if serveMetrics != nil {
		g.Go(func() error {
			return serveMetrics(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return drive(gctx, m)
	})
	return g.Wait()
}

func drivePresent(ctx context.Context, m *session.Machine, p prompter, out io.Writer) error {
	m.Post(session.ModeSelected{Receive: false})
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-m.Updates():
			if !ok {
				return nil
			}
			switch u.Kind {
			case session.UpdateKeys:
				key, err := chooseKey(u.Keys, p, out)
				if err != nil {
					return err
				}
				m.Post(session.KeySelected{Fingerprint: key.Fingerprint})
			case session.UpdatePresenting:
				fmt.Fprintf(out, "Presenting %s on port %d\n\n", u.Key.Header(), u.Presentation.Port)
				fmt.Fprintf(out, "Announced as %q\n\n", u.Presentation.Instance)
				fmt.Fprintln(out, u.Presentation.Display)
				fmt.Fprintf(out, "\nScan code: %s\n", u.Presentation.ScanData)
				fmt.Fprintln(out, "Waiting for peers, press Ctrl+C to stop.")
			case session.UpdateError:
				return u.Err
			}
		}
	}
}

func chooseKey(keys []models.Key, p prompter, out io.Writer) (models.Key, error) {
	switch len(keys) {
	case 0:
		return models.Key{}, fmt.Errorf("present: %w", errs.ErrNoUsableKey)
	case 1:
		return keys[0], nil
	}

	for i, key := range keys {
		fmt.Fprintf(out, "[%d] ", i+1)
		printKey(out, "sec", key, nil)
	}
	for {
		answer, err := p.Ask("key number> ")
		if err != nil {
			return models.Key{}, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil && n >= 1 && n <= len(keys) {
			return keys[n-1], nil
		}
		fmt.Fprintf(out, "enter a number between 1 and %d\n", len(keys))
	}
}

func driveReceive(ctx context.Context, m *session.Machine, input string, p prompter, out io.Writer) error {
	m.Post(session.ModeSelected{Receive: true})

	// An empty answer searches the network again before asking once more.
	ask := func() error {
		for {
			line, err := p.Ask("fingerprint> ")
			if err != nil {
				return err
			}
			if strings.TrimSpace(line) == "" {
				fmt.Fprintln(out, "Searching for keysign services...")
				m.Post(session.RefreshRequested{})
				continue
			}
			m.Post(inputEvent(line))
			return nil
		}
	}
	if input != "" {
		m.Post(inputEvent(input))
	} else if err := ask(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-m.Updates():
			if !ok {
				return nil
			}
			switch u.Kind {
			case session.UpdateState:
				if u.State == session.DownloadingKey {
					fmt.Fprintf(out, "Looking for %s\n", u.Fingerprint)
				}
			case session.UpdatePeers:
				fmt.Fprintf(out, "%d keysign service(s) visible\n", len(u.Peers))
			case session.UpdateError:
				fmt.Fprintln(out, "error:", u.Err)
				if !retryable(u.Err) {
					continue
				}
				if input != "" {
					return u.Err
				}
				if err := ask(); err != nil {
					return err
				}
			case session.UpdateDownloaded:
				printKey(out, "pub", u.Key, nil)
				answer, err := p.Ask("Sign this key? [y/N] ")
				if err != nil {
					return err
				}
				if !isYes(answer) {
					fmt.Fprintln(out, "Not signed.")
					return nil
				}
				m.Post(session.ConfirmSign{})
			case session.UpdateSigned:
				for _, result := range u.Results {
					fmt.Fprintf(out, "Signed %s, saved to %s\n", result.UID, result.Location)
				}
				return u.Err
			}
		}
	}
}

// inputEvent treats anything with a scheme as scanned data.
func inputEvent(text string) session.Event {
	text = strings.TrimSpace(text)
	if strings.Contains(text, ":") {
		return session.CodeScanned{Data: text}
	}
	return session.FingerprintEntered{Text: text}
}

func retryable(err error) bool {
	for _, target := range []error{
		errs.ErrInvalidFingerprint,
		errs.ErrNotFound,
		errs.ErrTimeout,
		session.ErrDownloadCancelled,
		fingerprint.ErrEmptyFingerprint,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"keysign/errs"
	"keysign/fingerprint"
	"keysign/keyring"
	"keysign/models"
	"keysign/storage"
)

func newKeysCommand(appFn func() *app) *cobra.Command {
	var secretOnly bool
	cmd := &cobra.Command{
		Use:   "keys [pattern]",
		Short: "List keys in the local keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := appFn().keyring.ListKeys(firstArg(args), secretOnly)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no keys")
				return nil
			}
			for _, entry := range entries {
				printEntry(cmd.OutOrStdout(), entry)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&secretOnly, "secret", false, "only keys with a secret part")
	cmd.AddCommand(newGenerateCommand(appFn), newImportCommand(appFn))
	return cmd
}

// newImportCommand imports a key file from local disk. Unlike keys received
// from peers, an unencrypted secret key here becomes a signing key.
func newImportCommand(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a key file, - for stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}

			a := appFn()
			fpr, err := a.keyring.ImportKeyData(data)
			if err != nil {
				return err
			}
			entries, err := a.keyring.ListKeys(fpr, false)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				printEntry(cmd.OutOrStdout(), entry)
			}
			return nil
		},
	}
}

func newGenerateCommand(appFn func() *app) *cobra.Command {
	var name, comment, email string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create a new unprotected signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}
			key, err := appFn().keyring.GenerateKey(name, comment, email)
			if err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), "sec", key, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "user id name")
	cmd.Flags().StringVar(&comment, "comment", "", "user id comment")
	cmd.Flags().StringVar(&email, "email", "", "user id email address")
	return cmd
}

func newFetchCommand(appFn func() *app) *cobra.Command {
	var addrs []string
	var doImport bool
	cmd := &cobra.Command{
		Use:   "fetch --addr host:port FINGERPRINT",
		Short: "Download a key from a known address and verify its fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(addrs) == 0 {
				return errors.New("--addr is required")
			}
			a := appFn()
			fpr := fingerprint.Normalize(args[0])
			if !fingerprint.IsValid(fpr) {
				return fmt.Errorf("%q: %w", args[0], errs.ErrInvalidFingerprint)
			}

			result, err := a.newFetcher().FetchAddress(cmd.Context(), fpr, addrs...)
			record := storage.TransferRecord{
				Direction:   storage.TransferDirectionReceived,
				Outcome:     transferOutcome(err),
				Fingerprint: fpr,
				PeerAddress: &addrs[0],
				Bytes:       int64(len(result.Data)),
			}
			if recordErr := a.store.RecordTransfer(record); recordErr != nil {
				a.logger.Warn("record transfer failed", zap.Error(recordErr))
			}
			if err != nil {
				return err
			}

			if !doImport {
				_, err := cmd.OutOrStdout().Write(result.Data)
				return err
			}
			if _, err := a.keyring.ImportPublicKeyData(result.Data); err != nil {
				return err
			}
			printKey(cmd.OutOrStdout(), "pub", result.Key, []string{"imported"})
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&addrs, "addr", nil, "host:port serving the key, repeatable")
	cmd.Flags().BoolVar(&doImport, "import", false, "import the key instead of printing it")
	return cmd
}

func newHistoryCommand(appFn func() *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [fingerprint]",
		Short: "Show transfer, signature and security history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := appFn()
			out := cmd.OutOrStdout()
			fpr := firstArg(args)

			transfers, err := a.store.ListTransfers(fpr, limit, 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Transfers:")
			for _, t := range transfers {
				fmt.Fprintf(out, "  %s  %-8s %-9s %s %s\n", formatMillis(t.Timestamp), t.Direction, t.Outcome, t.Fingerprint, derefOr(t.PeerAddress, "-"))
			}

			signatures, err := a.store.ListSignatures(fpr, limit, 0)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Signatures:")
			for _, s := range signatures {
				fmt.Fprintf(out, "  %s  %s %q by %s\n", formatMillis(s.Timestamp), s.Fingerprint, s.UID, s.SignerFingerprint)
			}

			events, err := a.store.GetSecurityEvents(storage.SecurityEventFilter{Fingerprint: fpr, Limit: limit})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Security events:")
			for _, e := range events {
				fmt.Fprintf(out, "  %s  %-8s %s %s\n", formatMillis(e.Timestamp), e.Severity, e.EventType, e.Details)
			}

			disabled, err := a.store.ListDisabledKeys()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Disabled keys:")
			for _, d := range disabled {
				fmt.Fprintf(out, "  %s  %s %s\n", formatMillis(d.Timestamp), d.Fingerprint, d.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows per section")
	return cmd
}

func newDisableCommand(appFn func() *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "disable FINGERPRINT",
		Short: "Exclude a key from presenting and signing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fpr := fingerprint.Normalize(args[0])
			if !fingerprint.IsValid(fpr) {
				return fmt.Errorf("%q: %w", args[0], errs.ErrInvalidFingerprint)
			}
			if err := appFn().store.DisableKey(fpr, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", fpr)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "note stored with the marker")
	return cmd
}

func newEnableCommand(appFn func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable FINGERPRINT",
		Short: "Make a disabled key usable again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fpr := fingerprint.Normalize(args[0])
			if err := appFn().store.EnableKey(fpr); err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					return fmt.Errorf("%s is not disabled", fpr)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", fpr)
			return nil
		},
	}
}

func printEntry(w io.Writer, entry keyring.Entry) {
	kind := "pub"
	if entry.Secret {
		kind = "sec"
	}
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{entry.Invalid, "invalid"},
		{entry.Disabled, "disabled"},
		{entry.Expired, "expired"},
		{entry.Revoked, "revoked"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	printKey(w, kind, entry.Key, flags)
}

func printKey(w io.Writer, kind string, key models.Key, flags []string) {
	header := kind + "  " + key.Header()
	if len(flags) > 0 {
		header += "  [" + strings.Join(flags, ", ") + "]"
	}
	fmt.Fprintln(w, header)
	for _, line := range strings.Split(fingerprint.FormatForDisplay(key.Fingerprint), "\n") {
		fmt.Fprintln(w, "     "+line)
	}
	for _, uid := range key.UIDs {
		fmt.Fprintln(w, "uid  "+uid.String())
	}
	fmt.Fprintln(w, "     "+key.ExpiryText())
	fmt.Fprintln(w)
}

func transferOutcome(err error) string {
	switch {
	case err == nil:
		return storage.TransferOutcomeSuccess
	case errors.Is(err, errs.ErrTimeout):
		return storage.TransferOutcomeTimeout
	case errors.Is(err, errs.ErrNotFound):
		return storage.TransferOutcomeNotFound
	case errors.Is(err, context.Canceled):
		return storage.TransferOutcomeCancelled
	default:
		return storage.TransferOutcomeFailed
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

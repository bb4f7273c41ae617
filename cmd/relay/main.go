package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"companion/internal/codec"
	"companion/internal/crypto"
	"companion/internal/domain"
	"companion/internal/logging"
	"companion/internal/relay"
	"companion/internal/services/pairing"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		addr      string
		keyFile   string
		logLevel  string
		logFormat string
		lids      []string
		compress  int
		pairAs    string
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Development server speaking the companion wire protocol",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, logFormat, os.Stderr)
			if err != nil {
				return err
			}
			key, err := loadStaticKey(keyFile, logger)
			if err != nil {
				return err
			}

			srv := relay.New(relay.Config{
				StaticKey:     key,
				CompressAbove: compress,
				Logger:        logger,
			})
			for _, pair := range lids {
				pn, lid, ok := strings.Cut(pair, "=")
				if !ok || pn == "" || lid == "" {
					return fmt.Errorf("--lid %q: want <phone>=<lid>", pair)
				}
				srv.Directory().AddLID(pn, lid)
			}
			srv.OnConnect(srv.OfferPairing)

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if pairAs != "" {
				me, err := domain.ParseJID(strings.TrimPrefix(pairAs, "+") + "@" + domain.DefaultUserServer)
				if err != nil {
					return fmt.Errorf("--pair-as %q: %w", pairAs, err)
				}
				primary, err := pairing.NewPrimary()
				if err != nil {
					return err
				}
				go approveFromStdin(ctx, srv, primary, me, logger)
			}
			logger.Info("server static key", "pub", fmt.Sprintf("%x", key.Pub[:]))
			return srv.Serve(ctx, ln)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "127.0.0.1:5222", "listen address")
	f.StringVar(&keyFile, "key-file", "", "static key file, created when missing (default: ephemeral key)")
	f.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	f.StringVar(&logFormat, "log-format", "text", "text or json")
	f.StringArrayVar(&lids, "lid", nil, "seed a phone=lid mapping (repeatable)")
	f.IntVar(&compress, "compress-above", 0, "zlib-compress payloads larger than this many bytes")
	f.StringVar(&pairAs, "pair-as", "", "approve QR codes pasted on stdin as <phone>:<device>")
	return cmd
}

// approveFromStdin pairs each QR code pasted on stdin as me.
func approveFromStdin(ctx context.Context, srv *relay.Server, primary pairing.Primary, me domain.JID, logger *slog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		qr := strings.TrimSpace(sc.Text())
		if qr == "" {
			continue
		}
		if err := srv.ApprovePairing(ctx, qr, primary, me); err != nil {
			logger.Warn("pairing failed", "error", err)
		}
	}
}

// loadStaticKey reads the server key pair from path, generating and
// saving one when the file does not exist. An empty path gives an
// ephemeral key.
func loadStaticKey(path string, logger *slog.Logger) (domain.KeyPair, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var kp domain.KeyPair
			if err := codec.Unmarshal(data, &kp); err != nil {
				return domain.KeyPair{}, fmt.Errorf("reading %s: %w", path, err)
			}
			return kp, nil
		case !errors.Is(err, os.ErrNotExist):
			return domain.KeyPair{}, err
		}
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return domain.KeyPair{}, err
	}
	if path == "" {
		logger.Warn("using an ephemeral static key")
		return kp, nil
	}
	data, err := codec.Marshal(kp)
	if err != nil {
		return domain.KeyPair{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return domain.KeyPair{}, err
	}
	logger.Info("generated static key", "path", path)
	return kp, nil
}

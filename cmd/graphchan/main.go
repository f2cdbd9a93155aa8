package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/graphchan/graphchan/internal/httpapi"
	"github.com/graphchan/graphchan/internal/identity"
	"github.com/graphchan/graphchan/internal/node"
	"github.com/graphchan/graphchan/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "graphchan", Short: "graphchan federation node"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(friendcodeCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig is the shared bootstrap: .env, config files, log level.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the node and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := node.New(cfg)
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.Start(); err != nil {
				return err
			}

			errs := make(chan error, 1)
			go func() {
				errs <- httpapi.NewServer(n).ListenAndServe(cfg.API.Port)
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-stop:
				logrus.Infof("received %s, shutting down", sig)
				return nil
			case err := <-errs:
				return err
			}
		},
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity"}
	show := &cobra.Command{
		Use:   "show",
		Short: "print the local identity and friend codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := cfg.Paths()
			if err := paths.Ensure(); err != nil {
				return err
			}
			summary, err := identity.EnsureLocalIdentity(paths, cfg.Network.Addresses)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(map[string]string{
				"gpg_fingerprint":  summary.GPGFingerprint,
				"overlay_peer_id":  summary.OverlayPeerID,
				"x25519_pubkey":    summary.X25519Pubkey,
				"friendcode":       summary.FriendCode,
				"short_friendcode": summary.ShortFriendCode,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func friendcodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "friendcode"}
	decodeCmd := &cobra.Command{
		Use:   "decode [code]",
		Short: "decode a friend code (long or short form)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := identity.DecodeFriendCodeAuto(args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.AddCommand(decodeCmd)
	return cmd
}

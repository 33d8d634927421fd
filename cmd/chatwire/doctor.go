package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"chatwire/internal/config"
	"chatwire/internal/protocol"
	"chatwire/internal/transcript"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatwire setup",
		Long: `Verifies that chatwire's configuration, protocol profile, transcript
database and network endpoints are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatwire doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatwire init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Account
			if cfg.Account.UserID == "" {
				r.fail("Account", "account.userId is not set")
			} else if cfg.Account.Password == "" {
				r.warn("Account", "no password configured for "+cfg.Account.UserID)
			} else {
				r.pass("Account", cfg.Account.UserID)
			}

			// 4. Protocol profile
			if _, err := protocol.LoadProfile(cfg.Protocol.Profile, logger); err != nil {
				r.fail("Protocol profile", err.Error())
			} else if cfg.Protocol.Profile == "" {
				r.pass("Protocol profile", "built-in")
			} else {
				r.pass("Protocol profile", cfg.Protocol.Profile)
			}

			// 5. Transcript database
			if cfg.Transcript.Enabled {
				if v, err := checkTranscript(cfg.Transcript.DBPath); err != nil {
					r.fail("Transcript", err.Error())
				} else {
					r.pass("Transcript", fmt.Sprintf("%s (schema v%d)", cfg.Transcript.DBPath, v))
				}
			} else {
				r.warn("Transcript", "disabled")
			}

			// 6. Server reachable
			if !offline {
				addr := cfg.Server.Addr()
				if err := checkReachable(addr, cfg.Server.DialTimeout()); err != nil {
					r.fail("Server", fmt.Sprintf("%s unreachable: %v", addr, err))
				} else {
					r.pass("Server", addr+" reachable")
				}
			}

			// 7. Listen ports
			addrs := listenAddrs(cfg)
			names := make([]string, 0, len(addrs))
			for name := range addrs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := checkPort(addrs[name]); err != nil {
					r.warn(name, fmt.Sprintf("%s may be in use: %v", addrs[name], err))
				} else {
					r.pass(name, addrs[name]+" available")
				}
			}

			// 8. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the server reachability check")
	return cmd
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before connecting.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nchatwire should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! chatwire is ready to connect.\n")
	}
	return nil
}

// checkTranscript opens (migrating if needed) the transcript and returns its
// schema version.
func checkTranscript(dbPath string) (int, error) {
	store, err := transcript.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.DB().PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return transcript.SchemaVersion(store.DB())
}

func checkReachable(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// listenAddrs returns the enabled relay and metrics listen addresses by
// check name.
func listenAddrs(cfg *config.Config) map[string]string {
	out := make(map[string]string)
	if cfg.Relay.Enabled {
		out["Relay port"] = net.JoinHostPort(cfg.Relay.Host, strconv.Itoa(cfg.Relay.Port))
	}
	if cfg.Metrics.Enabled {
		out["Metrics port"] = net.JoinHostPort(cfg.Metrics.Host, strconv.Itoa(cfg.Metrics.Port))
	}
	return out
}

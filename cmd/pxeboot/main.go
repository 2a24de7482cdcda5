// Command pxeboot is the CLI entry point for the network-boot transfer
// pipeline: fetch a URI to a local file or stdout, and hook/unhook/boot
// a SAN drive, exercising the same Runtime a firmware build would
// embed.
//
// Grounded on caddyserver-caddy/cmd/caddy/main.go (a thin main wiring
// a subcommand tree) and commands.go's registration-table idiom,
// flattened here into one cobra tree since this CLI has seven
// subcommands rather than caddy's pluggable command registry.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/term"

	pxecore "github.com/pxeboot/corepipe"
	"github.com/pxeboot/corepipe/internal/blockio"
	"github.com/pxeboot/corepipe/internal/tcp"
	"github.com/pxeboot/corepipe/internal/uri"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Sized for a container/VM the same way a production Go daemon
	// would be. The TCP window does not use the resulting memory limit:
	// it is the fixed tcp.Config.Window default of 65535.
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "pxeboot: automaxprocs: %v\n", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(); err != nil {
		fmt.Fprintf(os.Stderr, "pxeboot: automemlimit: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "pxeboot",
		Short:         "Fetch and SAN-boot over the network-boot transfer pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a TOML config file")

	root.AddCommand(newFetchCmd(&cfgPath))
	root.AddCommand(newSanHookCmd(&cfgPath))
	root.AddCommand(newSanUnhookCmd(&cfgPath))
	root.AddCommand(newSanBootCmd(&cfgPath))
	root.AddCommand(newOCSPCheckCmd(&cfgPath))
	root.AddCommand(newTCPDemoCmd(&cfgPath))
	root.AddCommand(newVersionCmd())
	return root
}

func loadRuntime(cfgPath string) (*pxecore.Runtime, error) {
	cfg := pxecore.DefaultConfig()
	if cfgPath != "" {
		loaded, err := pxecore.LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return pxecore.New(cfg)
}

func newFetchCmd(cfgPath *string) *cobra.Command {
	var (
		outPath string
		user    string
		askPass bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <uri>",
		Short: "Fetch a URI's object as a flat block device and write it out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			u := uri.Parse(args[0])
			if user != "" && u.User == "" {
				u.User = user
				u.HasUser = true
			}
			if askPass && u.User != "" {
				pass, err := readPassword()
				if err != nil {
					return fmt.Errorf("pxeboot: read password: %w", err)
				}
				u.Password = pass
			}

			backend, err := rt.Opener.Open(cmd.Context(), u)
			if err != nil {
				return fmt.Errorf("pxeboot: open %s: %w", args[0], err)
			}

			out := io.Writer(os.Stdout)
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			return fetchAll(cmd.Context(), backend, out, rt.Metrics)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVarP(&user, "user", "u", "", "HTTP basic-auth username")
	cmd.Flags().BoolVar(&askPass, "ask-password", false, "prompt for the basic-auth password")
	return cmd
}

// fetchAll reads the whole object through backend in 32-block chunks
// and writes it to out, the CLI's minimal block-device consumer.
func fetchAll(ctx context.Context, backend blockio.Backend, out io.Writer, metrics *pxecore.Metrics) error {
	const blocksPerRead = 32

	blocks, blockSize, err := backend.ReadCapacity(ctx)
	if err != nil {
		return fmt.Errorf("pxeboot: read capacity: %w", err)
	}

	buf := make([]byte, int64(blockSize)*blocksPerRead)
	for lba := int64(0); lba < blocks; lba += blocksPerRead {
		count := int64(blocksPerRead)
		if lba+count > blocks {
			count = blocks - lba
		}
		chunk := buf[:count*int64(blockSize)]
		if err := backend.ReadBlocks(ctx, lba, count, chunk); err != nil {
			return fmt.Errorf("pxeboot: read blocks at lba %d: %w", lba, err)
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
		if metrics != nil {
			metrics.BytesDelivered.Add(float64(len(chunk)))
		}
	}
	return nil
}

func newSanHookCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanhook <uri>",
		Short: "Hook a URI as a SAN drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			u := uri.Parse(args[0])
			dev := blockio.NewDevice(func(ctx context.Context) (blockio.Backend, error) {
				return rt.Opener.Open(ctx, u)
			})

			drive, err := rt.SAN.Hook(args[0], dev)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "drive %#02x hooked (%s)\n", drive.Number, drive.ID)
			return nil
		},
	}
	return cmd
}

func newSanUnhookCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanunhook <drive-number>",
		Short: "Unhook a SAN drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := parseDriveNumber(args[0])
			if err != nil {
				return err
			}
			return rt.SAN.Unhook(n)
		},
	}
	return cmd
}

func newSanBootCmd(cfgPath *string) *cobra.Command {
	var arch string
	cmd := &cobra.Command{
		Use:   "sanboot <drive-number>",
		Short: "Chainload the bootloader on a hooked SAN drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := parseDriveNumber(args[0])
			if err != nil {
				return err
			}
			if arch == "" {
				arch = rt.Config.SAN.Arch
			}

			// Filesystem enumeration and LoadImage/StartImage are
			// UEFI firmware services (spec.md §1's external
			// collaborators); outside an actual firmware host there
			// is nothing to probe, so this surfaces that boundary
			// instead of fabricating a filesystem list.
			return rt.SAN.Boot(cmd.Context(), n, arch, nil, noopLoader{})
		},
	}
	cmd.Flags().StringVar(&arch, "arch", "", "chainload architecture tag, e.g. x64 or aa64 (defaults to config)")
	return cmd
}

func newOCSPCheckCmd(cfgPath *string) *cobra.Command {
	var responderURL string
	cmd := &cobra.Command{
		Use:   "ocspcheck <leaf.pem> <issuer.pem>",
		Short: "Validate a certificate's revocation status against its OCSP responder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			leaf, err := readCertPEM(args[0])
			if err != nil {
				return fmt.Errorf("pxeboot: leaf certificate: %w", err)
			}
			issuer, err := readCertPEM(args[1])
			if err != nil {
				return fmt.Errorf("pxeboot: issuer certificate: %w", err)
			}

			result, err := rt.OCSP.Check(leaf, issuer, responderURL)
			if err != nil {
				return fmt.Errorf("pxeboot: ocsp check: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: good (this_update=%s next_update=%s)\n",
				result.Response.ThisUpdate, result.Response.NextUpdate)
			return nil
		},
	}
	cmd.Flags().StringVar(&responderURL, "responder", "", "OCSP responder URL (defaults to the leaf certificate's AIA entry)")
	return cmd
}

func readCertPEM(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func newTCPDemoCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcpdemo",
		Short: "Drive one real handshake/send/close cycle through the TCP connection table over a loopback link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*cfgPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			payload := []byte("pxeboot tcp loopback demo")
			echoed, err := tcp.RunLoopbackDemo(cmd.Context(), rt.Socket, rt.Scheduler, rt.TCP, rt.Log, payload)
			if err != nil {
				return fmt.Errorf("pxeboot: tcp loopback demo: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "echoed %d bytes: %q\n", len(echoed), echoed)
			return nil
		},
	}
	return cmd
}

type noopLoader struct{}

func (noopLoader) LoadImage(ctx context.Context, devicePath string) error {
	return fmt.Errorf("pxeboot: no UEFI firmware host to LoadImage %s", devicePath)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pxeboot version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func parseDriveNumber(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("pxeboot: invalid drive number %q: %w", s, err)
	}
	return uint32(n), nil
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

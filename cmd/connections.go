package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/perimetric/periscope/config"
	"github.com/perimetric/periscope/errext"
	"github.com/perimetric/periscope/log"
	"github.com/perimetric/periscope/tunnel"
	"github.com/perimetric/periscope/ui"
)

func getConnectionsCmd(c *rootCommand) *cobra.Command {
	connectionsCmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage stored SSH connections",
		Long:  "List, add, remove and test the SSH connection descriptors in the config store.",
	}
	connectionsCmd.AddCommand(
		getConnectionsListCmd(c),
		getConnectionsAddCmd(c),
		getConnectionsRmCmd(c),
		getConnectionsTestCmd(c),
	)
	return connectionsCmd
}

func (c *rootCommand) openStore() (*config.Store, error) {
	return config.NewStore(afero.NewOsFs(), c.configDir, log.New(c.logger, nil))
}

func getConnectionsListCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore()
			if err != nil {
				return err
			}
			descs := store.Connections()
			if len(descs) == 0 {
				fprintf(stdout, "no connections stored, add one with `periscope connections add`\n")
				return nil
			}
			fprintf(stdout, "%s", connectionsTable(descs))
			return nil
		},
	}
}

// connectionsTable renders the descriptor list the way `list` prints it.
// Secrets never appear here, only identity fields.
func connectionsTable(descs []config.Descriptor) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOST\tPORT\tUSER\tAUTH")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", d.ID, d.Name, d.Host, d.Port, d.Username, d.AuthKind)
	}
	_ = w.Flush()
	return sb.String()
}

func getConnectionsAddCmd(c *rootCommand) *cobra.Command {
	var (
		desc config.Descriptor
		auth string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a connection to the store",
		Long:  "Add a connection to the store. Fields not supplied as flags are asked for interactively.",
		Example: `  # fully flagged
  periscope connections add --name lab --host lab.example.com --username chrome --auth password --password hunter2
  periscope connections add --name prod --host 10.0.4.7 --username deploy --auth privateKey --key ~/.ssh/id_ed25519

  # prompts for name, host, username and the password
  periscope connections add`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore()
			if err != nil {
				return err
			}
			desc.AuthKind = config.AuthKind(auth)
			if err := c.promptMissingFields(cmd, &desc); err != nil {
				return err
			}
			added, err := store.Add(desc)
			if err != nil {
				return err
			}
			fprintf(stdout, "%s added connection %q (%s)\n", color.GreenString("✓"), added.Name, added.ID)
			return nil
		},
	}
	flags := addCmd.Flags()
	flags.StringVar(&desc.Name, "name", "", "display name for the connection")
	flags.StringVar(&desc.Host, "host", "", "remote host to connect to")
	flags.IntVar(&desc.Port, "port", 22, "ssh port")
	flags.StringVar(&desc.Username, "username", "", "ssh username")
	flags.StringVar(&auth, "auth", string(config.AuthPassword),
		fmt.Sprintf("auth kind, %q or %q", config.AuthPassword, config.AuthPrivateKey))
	flags.StringVar(&desc.Password, "password", "", "password, for --auth password")
	flags.StringVar(&desc.KeyPath, "key", "", "path to a private key, for --auth privateKey")
	flags.StringVar(&desc.Passphrase, "passphrase", "", "passphrase unlocking an encrypted private key")
	return addCmd
}

// promptMissingFields asks interactively for descriptor fields that were not
// supplied as flags: the identity fields, the secret for the chosen auth
// kind, and the key passphrase when the key file turns out to be encrypted.
func (c *rootCommand) promptMissingFields(cmd *cobra.Command, desc *config.Descriptor) error {
	fields := make([]ui.Field, 0, 4)
	if desc.Name == "" {
		fields = append(fields, ui.StringField{Key: "name", Label: "Name", Min: 1})
	}
	if desc.Host == "" {
		fields = append(fields, ui.StringField{Key: "host", Label: "Host", Min: 1})
	}
	if desc.Username == "" {
		fields = append(fields, ui.StringField{Key: "username", Label: "Username", Min: 1})
	}
	hasSecret := false
	switch desc.AuthKind {
	case config.AuthPassword:
		if desc.Password == "" {
			fields = append(fields, ui.PasswordField{Key: "password", Label: "Password", Min: 1})
			hasSecret = true
		}
	case config.AuthPrivateKey:
		if desc.KeyPath == "" {
			fields = append(fields, ui.StringField{
				Key: "keyPath", Label: "Private key path", Default: "~/.ssh/id_ed25519",
			})
		}
	}

	if len(fields) > 0 {
		if hasSecret {
			c.warnUnmaskedInput(cmd)
		}
		vals, err := ui.Form{Banner: "New connection", Fields: fields}.Run(cmd.InOrStdin(), stdout)
		if err != nil {
			return err
		}
		if v, ok := vals["name"]; ok {
			desc.Name = v
		}
		if v, ok := vals["host"]; ok {
			desc.Host = v
		}
		if v, ok := vals["username"]; ok {
			desc.Username = v
		}
		if v, ok := vals["password"]; ok {
			desc.Password = v
		}
		if v, ok := vals["keyPath"]; ok {
			desc.KeyPath = v
		}
	}

	if desc.AuthKind == config.AuthPrivateKey && desc.KeyPath != "" && desc.Passphrase == "" {
		_, err := tunnel.LoadPrivateKey(afero.NewOsFs(), desc.KeyPath, "")
		if errext.KindOf(err) == errext.KindAuthEncryptedKey {
			c.warnUnmaskedInput(cmd)
			vals, err := ui.Form{Fields: []ui.Field{
				ui.PasswordField{Key: "passphrase", Label: "Key passphrase", Min: 1},
			}}.Run(cmd.InOrStdin(), stdout)
			if err != nil {
				return err
			}
			desc.Passphrase = vals["passphrase"]
		}
	}
	return nil
}

// warnUnmaskedInput notes that a secret typed into a non-terminal stdin is
// echoed back.
func (c *rootCommand) warnUnmaskedInput(cmd *cobra.Command) {
	if file, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return
	}
	c.logger.Warn("stdin is not a terminal, secret input will not be masked")
}

func getConnectionsRmCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a connection from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore()
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fprintf(stdout, "%s removed connection %s\n", color.GreenString("✓"), args[0])
			return nil
		},
	}
}

func getConnectionsTestCmd(c *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Connect and authenticate once, then disconnect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(c.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := c.openStore()
			if err != nil {
				return err
			}
			desc, err := store.Get(args[0])
			if err != nil {
				return err
			}

			transport := tunnel.NewTransport(ctx, log.New(c.logger, nil), afero.NewOsFs(), desc, tunnel.TransportOptions{})
			if err := transport.Connect(ctx); err != nil {
				return err
			}
			transport.Disconnect()
			fprintf(stdout, "%s connected to %s as %s\n", color.GreenString("✓"), transport.Addr(), desc.Username)
			return nil
		},
	}
}

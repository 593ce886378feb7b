package rsctl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dmitrijs2005/remotesettings/internal/server/auth"
)

const secretKeyEnv = "SECRET_KEY"

// readPassword is a test seam for the terminal prompt.
var readPassword = func(in io.Reader) ([]byte, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return term.ReadPassword(int(f.Fd()))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

type tokenOptions struct {
	user     string
	secret   string
	validity time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand() *cobra.Command {
	opts := &tokenOptions{}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.user == "" {
				return errors.New("--user is required")
			}
			secret := opts.secret
			if secret == "" {
				secret = os.Getenv(secretKeyEnv)
			}
			if secret == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Secret key: ")
				raw, err := readPassword(cmd.InOrStdin())
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				secret = string(raw)
			}
			if secret == "" {
				return fmt.Errorf("--secret or %s is required", secretKeyEnv)
			}
			token, err := auth.NewToken(opts.user, []byte(secret), opts.validity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.user, "user", "", "account name")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "server secret key (defaults to $"+secretKeyEnv+", then a prompt)")
	cmd.Flags().DurationVar(&opts.validity, "validity", time.Hour, "token lifetime")

	return cmd
}

// NewHashPasswordCommand creates the hash-password command.
func NewHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the accounts setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			pw, err := readPassword(cmd.InOrStdin())
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if len(pw) == 0 {
				return errors.New("empty password")
			}
			h, err := auth.HashPassword(string(pw))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}

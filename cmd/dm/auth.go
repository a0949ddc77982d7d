package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/datamind/internal/session"
	"github.com/zulandar/datamind/internal/transport"
	"golang.org/x/term"
)

func newLoginCmd() *cobra.Command {
	var (
		configPath string
		email      string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to DataMind",
		Long:  "Signs in with email and password. The password is prompted for when not given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, configPath, email, password)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (prompted when omitted)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runLogin(cmd *cobra.Command, configPath, email, password string) error {
	out := cmd.OutOrStdout()
	if password == "" {
		pw, err := readPassword(cmd.InOrStdin(), out)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = pw
	}

	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.Login(context.Background(), email, password)
	if err != nil {
		var reqErr *transport.RequestError
		if errors.As(err, &reqErr) && reqErr.Status != 0 {
			return fmt.Errorf("login failed: %s", reqErr.Message)
		}
		return err
	}
	name := p.FullName
	if name == "" {
		name = p.Email
	}
	fmt.Fprintf(out, "Signed in as %s (%s)\n", name, p.Role)
	return nil
}

// readPassword prompts without echo on a terminal and reads one line
// otherwise.
func readPassword(in io.Reader, out io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password is required")
	}
	return line, nil
}

func newLogoutCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the local session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runLogout(cmd *cobra.Command, configPath string) error {
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Logout(context.Background()); err != nil {
		// The local session is gone either way.
		fmt.Fprintf(cmd.OutOrStdout(), "Signed out locally (server: %v)\n", err)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
	return nil
}

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the signed-in user and remembered selections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	a, err := openApp(cmd, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(out, "API: %s\n", a.Config().APIURL)
	store := a.Session().Store()
	p, err := store.Profile()
	if errors.Is(err, session.ErrNoProfile) {
		fmt.Fprintln(out, "Not signed in")
		return nil
	}
	if err != nil {
		return err
	}

	u, err := a.Whoami(context.Background())
	switch {
	case errors.Is(err, transport.ErrUnauthenticated):
		fmt.Fprintf(out, "Session for %s has expired; run `dm login`\n", p.Email)
		return nil
	case err != nil:
		fmt.Fprintf(out, "Signed in as %s (offline: %v)\n", p.Email, err)
	default:
		fmt.Fprintf(out, "Signed in as %s <%s> role=%s org=%s\n", u.FullName, u.Email, u.Role, u.OrgID)
	}

	for _, kv := range []struct{ label, key string }{
		{"Data source", session.KeyDataSource},
		{"Conversation", session.KeyConversation},
		{"Dashboard", session.KeyDashboard},
	} {
		if v, _ := store.Pref(kv.key); v != "" {
			fmt.Fprintf(out, "%s: %s\n", kv.label, v)
		}
	}
	return nil
}

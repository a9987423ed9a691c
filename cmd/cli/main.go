// Command gr is a CLI client for the relay.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/and161185/goph-relay/internal/client"
	"github.com/and161185/goph-relay/internal/protocol"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "gophrelay")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gophrelay")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run gr token or pass --token)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

type globalOpts struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
	token     string
	timeout   time.Duration
}

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func (g *globalOpts) dial() (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if !g.plaintext {
		var err error
		if creds, err = loadTLS(g.caPath, g.insecure); err != nil {
			return nil, err
		}
	}
	return grpc.NewClient(g.addr, grpc.WithTransportCredentials(creds))
}

func (g *globalOpts) bearer() (string, error) {
	if g.token != "" {
		return g.token, nil
	}
	return loadToken()
}

// session dials, opens a stream and registers. Events arriving before
// session-ready are passed to onEvent.
func (g *globalOpts) session(ctx context.Context, onEvent func(protocol.Envelope)) (*client.Client, string, func(), error) {
	tok, err := g.bearer()
	if err != nil {
		return nil, "", nil, err
	}
	cc, err := g.dial()
	if err != nil {
		return nil, "", nil, err
	}
	c, err := client.Connect(ctx, cc)
	if err != nil {
		_ = cc.Close()
		return nil, "", nil, err
	}
	closeAll := func() {
		_ = c.Close()
		_ = cc.Close()
	}
	var early []protocol.Envelope
	ready, err := c.Register(tok, func(env protocol.Envelope) { early = append(early, env) })
	if err != nil {
		closeAll()
		return nil, "", nil, err
	}
	if onEvent != nil {
		for _, env := range early {
			onEvent(env)
		}
	}
	return c, ready.UserID, closeAll, nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "gr",
		Short:         "Relay messaging CLI",
		Version:       fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&g.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.StringVar(&g.token, "token", "", "bearer token (default: saved token)")
	pf.DurationVar(&g.timeout, "timeout", 30*time.Second, "deadline for one-shot commands")

	root.AddCommand(
		newTokenCmd(),
		newListenCmd(g),
		newSendCmd(g),
		newStatusCmd(g),
		newOnlineCmd(g),
	)
	return root
}

// main runs the root command and exits non-zero on error.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"

	"clipforge/internal/config"
)

// newGDriveAuthCommand runs the OAuth consent flow once and prints the
// refresh token the gdrive storage provider needs (GDRIVE_REFRESH_TOKEN).
func newGDriveAuthCommand() *cobra.Command {
	var clientID, clientSecret string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "gdrive-auth",
		Short: "Obtain a Google Drive refresh token for source storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clientID == "" || clientSecret == "" {
				return errors.New("set --client-id and --client-secret (or GDRIVE_CLIENT_ID / GDRIVE_CLIENT_SECRET)")
			}

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return err
			}
			defer ln.Close()

			port := ln.Addr().(*net.TCPAddr).Port
			conf := &oauth2.Config{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				Endpoint:     google.Endpoint,
				// Only files the app creates.
				Scopes:      []string{drive.DriveFileScope},
				RedirectURL: fmt.Sprintf("http://127.0.0.1:%d/callback", port),
			}
			state, err := randomState()
			if err != nil {
				return err
			}

			codeCh := make(chan string, 1)
			errCh := make(chan error, 1)
			mux := http.NewServeMux()
			mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
				code, err := callbackCode(r, state)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					errCh <- err
					return
				}
				fmt.Fprintln(w, "Authorized. You can close this window and return to the terminal.")
				codeCh <- code
			})
			srv := &http.Server{Handler: mux, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
			go func() { _ = srv.Serve(ln) }()
			defer srv.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this URL in your browser:")
			fmt.Fprintln(out, conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")))
			fmt.Fprintln(out, "Waiting for authorization on", conf.RedirectURL)

			var code string
			select {
			case code = <-codeCh:
			case err := <-errCh:
				return err
			case <-time.After(timeout):
				return errors.New("timed out waiting for authorization")
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}

			tok, err := conf.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("exchange code: %w", err)
			}
			if strings.TrimSpace(tok.RefreshToken) == "" {
				return errors.New("no refresh token returned; revoke the app at https://myaccount.google.com/permissions and retry")
			}
			fmt.Fprintln(out, "GDRIVE_REFRESH_TOKEN="+tok.RefreshToken)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&clientID, "client-id", config.Env("GDRIVE_CLIENT_ID", ""), "OAuth client id")
	f.StringVar(&clientSecret, "client-secret", config.Env("GDRIVE_CLIENT_SECRET", ""), "OAuth client secret")
	f.DurationVar(&timeout, "timeout", 3*time.Minute, "How long to wait for consent")
	return cmd
}

func callbackCode(r *http.Request, state string) (string, error) {
	q := r.URL.Query()
	if q.Get("state") != state {
		return "", errors.New("invalid state")
	}
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("auth error: %s", e)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("missing code")
	}
	return code, nil
}

func randomState() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the gdrive storage provider needs (GDRIVE_REFRESH_TOKEN).
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"upscaler/internal/config"
	"upscaler/internal/pkg/logger"
	"upscaler/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	timeout := flag.Duration("timeout", 3*time.Minute, "how long to wait for the browser callback")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr, ServiceName: "gdrive-auth"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.LogFatal("load config", err)
	}

	token, err := authorize(context.Background(), cfg.Storage.GDrive, *timeout)
	if err != nil {
		log.LogFatal("authorization failed", err)
	}
	fmt.Println("\nREFRESH TOKEN:")
	fmt.Println(token)
}

func authorize(ctx context.Context, gd config.GDriveConfig, timeout time.Duration) (string, error) {
	if strings.TrimSpace(gd.ClientID) == "" || strings.TrimSpace(gd.ClientSecret) == "" {
		return "", errors.New("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
	}

	// Callback on a free loopback port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer ln.Close()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", ln.Addr().(*net.TCPAddr).Port)
	conf := storage.DriveOAuthConfig(gd.ClientID, gd.ClientSecret, redirectURL)
	state := randomState()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	srv := &http.Server{
		Handler:      callbackHandler(state, codeCh, errCh),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	// offline + consent forces Google to hand out a refresh token.
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Println("Open this URL in your browser:")
	fmt.Println()
	fmt.Println(authURL)
	fmt.Println()
	fmt.Println("Waiting for authorization on", redirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return "", err
	case <-time.After(timeout):
		return "", errors.New("timed out waiting for authorization")
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(tok.RefreshToken) == "" {
		return "", errors.New("no refresh_token returned; revoke the app at https://myaccount.google.com/permissions and retry")
	}
	return tok.RefreshToken, nil
}

func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fail := func(err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			select {
			case errCh <- err:
			default:
			}
		}
		if q.Get("state") != state {
			fail(errors.New("invalid state"))
			return
		}
		if e := q.Get("error"); e != "" {
			fail(fmt.Errorf("auth error: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			fail(errors.New("missing code"))
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		select {
		case codeCh <- code:
		default:
		}
	})
	return mux
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

package test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/labstack/gommon/random"

	log "github.com/sirupsen/logrus"
)

func RandHex(n uint8) string {
	r := random.New()
	return r.String(n, random.Hex)
}

// PrepareContentFolder creates a temp dir with one free and one premium
// article directory, each holding an article.txt.
func PrepareContentFolder() (func(), string, error) {
	chars := RandHex(8)
	dirName, err := os.MkdirTemp("", fmt.Sprintf("article-paywall-%s", chars))
	if err != nil {
		return nil, "", err
	}
	for _, name := range []string{"free", "premium"} {
		articleDir := fmt.Sprintf("%s/%s", dirName, name)
		err := os.Mkdir(articleDir, 0o755)
		if err != nil {
			_ = os.RemoveAll(dirName)
			return nil, "", err
		}
		f, err := os.Create(fmt.Sprintf("%s/article.txt", articleDir))
		if err != nil {
			_ = os.RemoveAll(dirName)
			return nil, "", err
		}
		_, err = f.WriteString(fmt.Sprintf("article=%s", name))
		if err != nil {
			_ = os.RemoveAll(dirName)
			return nil, "", err
		}
		_ = f.Close()
	}
	return func() {
		_ = os.RemoveAll(dirName)
	}, dirName, nil
}

func HttpClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Timeout: time.Second * 10, Jar: jar}
}

// NoRedirectClient shares the given client's cookie jar but stops at the
// first redirect, so redirect targets can be asserted.
func NoRedirectClient(client *http.Client) *http.Client {
	return &http.Client{
		Timeout: client.Timeout,
		Jar:     client.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func AssertBodyString(t *testing.T, res *http.Response, expected string) {
	t.Helper()
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(buf)
	assert.Equal(t, expected, body)
}

// GetFreePort asks the kernel for a free open port that is ready to use.
// From: https://gist.github.com/sevkin/96bdae9274465b2d09191384f86ef39d
func GetFreePort() (port int, err error) {
	var a *net.TCPAddr
	if a, err = net.ResolveTCPAddr("tcp", "localhost:0"); err == nil {
		var l *net.TCPListener
		if l, err = net.ListenTCP("tcp", a); err == nil {
			defer func(l *net.TCPListener) {
				err := l.Close()
				if err != nil {
					log.WithError(err).Error("Failed to close listener")
				}
			}(l)
			return l.Addr().(*net.TCPAddr).Port, nil
		}
	}
	return
}

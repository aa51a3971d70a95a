package clientip_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sidcorp-team/pingwall/internal/clientip"
)

func newReq(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func Test_Extract_CloudflareHeaderWins(t *testing.T) {
	r := newReq("9.9.9.9:1234", map[string]string{
		"CF-Connecting-IP": "1.1.1.1",
		"X-Forwarded-For":  "2.2.2.2, 3.3.3.3",
	})
	if got := clientip.Extract(r, true); got != "1.1.1.1" {
		t.Fatalf("got %q", got)
	}
}

func Test_Extract_CloudflareIgnoredWhenDisabled(t *testing.T) {
	r := newReq("9.9.9.9:1234", map[string]string{
		"CF-Connecting-IP": "1.1.1.1",
		"X-Forwarded-For":  "2.2.2.2, 3.3.3.3",
	})
	if got := clientip.Extract(r, false); got != "2.2.2.2" {
		t.Fatalf("got %q", got)
	}
}

func Test_Extract_XFFLeftmostValid(t *testing.T) {
	r := newReq("9.9.9.9:1234", map[string]string{
		"X-Forwarded-For": "not-an-ip, 3.3.3.3",
	})
	if got := clientip.Extract(r, false); got != "3.3.3.3" {
		t.Fatalf("got %q", got)
	}
}

func Test_Extract_FallsBackToSocketPeer(t *testing.T) {
	r := newReq("9.9.9.9:1234", nil)
	if got := clientip.Extract(r, true); got != "9.9.9.9" {
		t.Fatalf("got %q", got)
	}
}

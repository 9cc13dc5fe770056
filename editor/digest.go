package editor

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
)

const realm = "Turq editor"

// digestAuth implements HTTP Digest authentication with single-use nonces.
// Every 401 challenge carries a fresh nonce; a nonce is consumed by the
// first request that presents it, so a captured Authorization header cannot
// be replayed.
type digestAuth struct {
	password string
	nonces   *lru.Cache[string, struct{}]
}

func newDigestAuth(password string) (*digestAuth, error) {
	// The cache bounds how many challenges can be outstanding at once;
	// evicted nonces simply force the client through another challenge.
	nonces, err := lru.New[string, struct{}](1024)
	if err != nil {
		return nil, err
	}
	return &digestAuth{password: password, nonces: nonces}, nil
}

// check verifies the request. On failure it writes the 401 challenge and
// returns false.
func (a *digestAuth) check(w http.ResponseWriter, r *http.Request) bool {
	authorization := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authorization), "digest ") {
		params := parseAuthParams(authorization[len("digest "):])
		if a.verify(r.Method, params) {
			return true
		}
	}
	a.challenge(w)
	return false
}

func (a *digestAuth) challenge(w http.ResponseWriter) {
	nonce := uuid.NewString()
	a.nonces.Add(nonce, struct{}{})
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		"Digest realm=%q, qop=\"auth\", algorithm=MD5, nonce=%q, charset=UTF-8", realm, nonce))
	http.Error(w, "Authentication required", http.StatusUnauthorized)
}

func (a *digestAuth) verify(method string, params map[string]string) bool {
	nonce := params["nonce"]
	if nonce == "" {
		return false
	}
	// single use: the first presentation consumes the nonce
	if _, issued := a.nonces.Get(nonce); !issued {
		return false
	}
	a.nonces.Remove(nonce)

	if params["qop"] != "auth" || params["response"] == "" || params["uri"] == "" {
		return false
	}
	ha1 := md5hex(params["username"] + ":" + realm + ":" + a.password)
	ha2 := md5hex(method + ":" + params["uri"])
	expected := md5hex(strings.Join([]string{
		ha1, nonce, params["nc"], params["cnonce"], params["qop"], ha2,
	}, ":"))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(params["response"]))) == 1
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseAuthParams parses the comma-separated name=value (possibly quoted)
// list of an Authorization header.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t,")
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		name := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]
		var value string
		if strings.HasPrefix(s, "\"") {
			s = s[1:]
			var sb strings.Builder
			for len(s) > 0 {
				c := s[0]
				s = s[1:]
				if c == '\\' && len(s) > 0 {
					sb.WriteByte(s[0])
					s = s[1:]
					continue
				}
				if c == '"' {
					break
				}
				sb.WriteByte(c)
			}
			value = sb.String()
		} else {
			end := strings.IndexAny(s, ", \t")
			if end < 0 {
				end = len(s)
			}
			value = s[:end]
			s = s[end:]
		}
		params[name] = value
	}
	return params
}

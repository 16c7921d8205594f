package identity

import (
	"bufio"
	"crypto/subtle"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/cynsky/AisVirtualNet/errors"
)

// Users is the set of accounts allowed to open sessions.
type Users struct {
	mu        sync.RWMutex
	passwords map[string]string
}

// NewUsers builds a user set from username/password pairs.
func NewUsers(accounts map[string]string) *Users {
	u := &Users{passwords: make(map[string]string, len(accounts))}
	for name, pw := range accounts {
		u.passwords[name] = pw
	}
	return u
}

// LoadUsersFile reads "username:password" lines. Blank lines and lines
// starting with # are skipped.
func LoadUsersFile(path string) (*Users, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Users", "LoadUsersFile", "open "+path)
	}
	defer f.Close()
	return ParseUsers(f)
}

// ParseUsers reads the users file format from r.
func ParseUsers(r io.Reader) (*Users, error) {
	u := &Users{passwords: map[string]string{}}
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, pw, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Users", "ParseUsers",
				"parse line "+itoa(lineNo))
		}
		u.passwords[name] = pw
	}
	if err := sc.Err(); err != nil {
		return nil, errors.WrapFatal(err, "Users", "ParseUsers", "read users")
	}
	return u, nil
}

// Verify reports whether password matches username, in constant time
// with respect to the password.
func (u *Users) Verify(username, password string) bool {
	u.mu.RLock()
	want, ok := u.passwords[username]
	u.mu.RUnlock()
	if !ok {
		// compare anyway so unknown users cost the same
		want = password + "x"
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1 && ok
}

// Len returns the number of accounts.
func (u *Users) Len() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.passwords)
}

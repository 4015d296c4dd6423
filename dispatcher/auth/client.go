package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

// Credentials select how Login authenticates. PrivateKey takes precedence over
// SessionUUID, which takes precedence over the password.
type Credentials struct {
	User        string
	Password    string
	SessionUUID string
	PrivateKey  *rsa.PrivateKey
}

// LoadPrivateKey reads a PEM encoded RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key, err := ssh.ParseRawPrivateKey(content)
	if err != nil {
		return nil, fmt.Errorf("Failed parsing private key %q: %w", path, err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("Private key %q is not an RSA key", path)
	}

	return rsaKey, nil
}

// Login authenticates conn against the remote dispatcher and returns the remote session id.
func Login(m *jobs.Manager, conn jobs.Conn, creds Credentials, timeout time.Duration) (string, error) {
	switch {
	case creds.PrivateKey != nil:
		return loginPublicKey(m, conn, creds, timeout)
	case creds.SessionUUID != "":
		resp, err := authorize(m, conn, proto.Authorize{Flags: proto.AuthFlagSessionUUID, SessionUUID: creds.SessionUUID}, timeout)
		if err != nil {
			return "", err
		}

		return firstParam(resp, creds.SessionUUID), nil
	}

	resp, err := authorize(m, conn, proto.Authorize{UserName: creds.User, Password: creds.Password}, timeout)
	if err != nil {
		return "", err
	}

	challenge := firstParam(resp, "")
	if challenge == "" {
		return "", api.ResultErrorf(api.AuthenticationFailed, "Missing authorization challenge")
	}

	resp, err = authorize(m, conn, proto.Authorize{Flags: proto.AuthFlagVerify, SessionUUID: challenge}, timeout)
	if err != nil {
		return "", err
	}

	return firstParam(resp, ""), nil
}

// Logoff ends the session on conn.
func Logoff(m *jobs.Manager, conn jobs.Conn, timeout time.Duration) error {
	p, err := proto.NewCommandPackage(proto.Logoff{})
	if err != nil {
		return err
	}

	_, err = m.RequestResponse(conn, p, timeout)

	return err
}

func loginPublicKey(m *jobs.Manager, conn jobs.Conn, creds Credentials, timeout time.Duration) (string, error) {
	pub, err := ssh.NewPublicKey(&creds.PrivateKey.PublicKey)
	if err != nil {
		return "", err
	}

	req := proto.Authorize{
		Flags:     proto.AuthFlagPublicKey,
		UserName:  creds.User,
		PublicKey: string(ssh.MarshalAuthorizedKey(pub)),
	}

	resp, err := authorize(m, conn, req, timeout)
	if err != nil {
		return "", err
	}

	secret, err := base64.StdEncoding.DecodeString(firstParam(resp, ""))
	if err != nil {
		return "", api.ResultErrorf(api.AuthenticationFailed, "Invalid session secret: %v", err)
	}

	id, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, creds.PrivateKey, secret, nil)
	if err != nil {
		return "", api.ResultErrorf(api.AuthenticationFailed, "Failed decrypting session: %v", err)
	}

	return string(id), nil
}

func authorize(m *jobs.Manager, conn jobs.Conn, req proto.Authorize, timeout time.Duration) (proto.Response, error) {
	p, err := proto.NewCommandPackage(req)
	if err != nil {
		return proto.Response{}, err
	}

	return m.RequestResponse(conn, p, timeout)
}

func firstParam(resp proto.Response, fallback string) string {
	if len(resp.Params) == 0 {
		return fallback
	}

	return resp.Params[0]
}

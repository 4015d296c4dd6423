// Package auth implements the dispatcher-to-dispatcher authorization handshake.
package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Sessions gives access to local user sessions.
type Sessions interface {
	Lookup(id string) (*peers.Session, bool)
	Login(user string, password string) (*peers.Session, error)
	LoginTrusted(user string) (*peers.Session, error)
}

// KeyStore returns the public keys a user may authenticate with.
type KeyStore interface {
	AuthorizedKeys(user string) ([]ssh.PublicKey, error)
}

// Authenticator answers Authorize and Logoff requests of remote dispatchers.
type Authenticator struct {
	Registry *peers.Registry
	Jobs     *jobs.Manager
	Sessions Sessions
	Keys     KeyStore

	// SendTimeout bounds the wait for the logoff reply to leave.
	SendTimeout time.Duration
}

// Authorize processes an Authorize request and always replies to it.
// The request credentials are wiped once parsed.
func (a *Authenticator) Authorize(conn jobs.Conn, p *proto.Package) {
	l := logger.AddContext(logger.Ctx{"handle": conn.Handle()})

	params, err := a.authorize(conn, p)
	if err != nil {
		l.Warn("Dispatcher authorization failed", logger.Ctx{"err": err})
		a.Jobs.ReplyError(conn, p, err)
		return
	}

	a.Jobs.Reply(conn, p, api.Success, params...)
}

func (a *Authenticator) authorize(conn jobs.Conn, p *proto.Package) ([]string, error) {
	cmd, err := proto.ParseCommand(p)
	p.Wipe()
	if err != nil {
		return nil, api.ResultErrorf(api.Failure, "Invalid authorization request: %v", err)
	}

	req, ok := cmd.(proto.Authorize)
	if !ok {
		return nil, api.ResultErrorf(api.Failure, "Unexpected command %s", p.Header.Type)
	}

	if a.Registry.ShuttingDown() {
		return nil, api.ResultErrorf(api.ShutdownInProgress, "Dispatcher is shutting down")
	}

	handle := conn.Handle()
	rec, exists := a.Registry.Get(handle)

	if req.Flags&proto.AuthFlagVerify != 0 {
		return a.verify(rec, exists, req)
	}

	if exists {
		if rec.Trusted() {
			return nil, api.ResultErrorf(api.AlreadyAuthorized, "Connection is already authorized")
		}

		// A new attempt supersedes an unverified one.
		a.Registry.Remove(handle)
	}

	switch {
	case req.Flags&proto.AuthFlagPublicKey != 0:
		return a.publicKey(conn, req)
	case req.Flags&proto.AuthFlagSessionUUID != 0:
		return a.restore(conn, req)
	}

	return a.password(conn, req)
}

func (a *Authenticator) register(conn jobs.Conn, sess *peers.Session, flags uint32, inProgress bool) error {
	var remote string
	addr, ok := conn.(interface{ RemoteAddr() string })
	if ok {
		remote = addr.RemoteAddr()
	}

	ok = a.Registry.PutIfAbsent(peers.Record{
		Handle:                  conn.Handle(),
		AuthorizationInProgress: inProgress,
		Session:                 sess,
		Flags:                   flags,
		Conn:                    conn,
		Created:                 time.Now(),
		Remote:                  remote,
	})
	if !ok {
		return api.ResultErrorf(api.AlreadyAuthorized, "Connection is already authorized")
	}

	return nil
}

// password opens a session and hands the connection handle back as a challenge.
func (a *Authenticator) password(conn jobs.Conn, req proto.Authorize) ([]string, error) {
	sess, err := a.Sessions.Login(req.UserName, req.Password)
	if err != nil {
		return nil, api.ResultErrorf(api.AuthenticationFailed, "Can't authorize user %q", req.UserName)
	}

	err = a.register(conn, sess, req.Flags, true)
	if err != nil {
		return nil, err
	}

	logger.Debug("Dispatcher authorization pending verification", logger.Ctx{"handle": conn.Handle(), "user": sess.User})

	return []string{conn.Handle()}, nil
}

func (a *Authenticator) verify(rec peers.Record, exists bool, req proto.Authorize) ([]string, error) {
	if !exists {
		return nil, api.ResultErrorf(api.AuthenticationFailed, "No authorization in progress")
	}

	if rec.Trusted() {
		return nil, api.ResultErrorf(api.AlreadyAuthorized, "Connection is already authorized")
	}

	if req.SessionUUID != rec.Handle {
		a.Registry.Remove(rec.Handle)
		return nil, api.ResultErrorf(api.AuthenticationFailed, "Authorization challenge mismatch")
	}

	ok := a.Registry.Update(rec.Handle, func(r *peers.Record) {
		r.AuthorizationInProgress = false
	})
	if !ok {
		return nil, api.ResultErrorf(api.AuthenticationFailed, "Connection was dropped during authorization")
	}

	logger.Info("Dispatcher connection authorized", logger.Ctx{"handle": rec.Handle, "user": rec.User(), "remote": rec.Remote})

	return []string{rec.Session.ID}, nil
}

func (a *Authenticator) restore(conn jobs.Conn, req proto.Authorize) ([]string, error) {
	sess, ok := a.Sessions.Lookup(req.SessionUUID)
	if !ok {
		return nil, api.ResultErrorf(api.WrongSessionUUID, "Unknown session %q", req.SessionUUID)
	}

	err := a.register(conn, sess, req.Flags, false)
	if err != nil {
		return nil, err
	}

	logger.Info("Dispatcher connection authorized", logger.Ctx{"handle": conn.Handle(), "user": sess.User, "session": sess.ID})

	return []string{sess.ID}, nil
}

// publicKey opens a trusted session and returns its id encrypted for the holder of the key.
func (a *Authenticator) publicKey(conn jobs.Conn, req proto.Authorize) ([]string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.PublicKey))
	if err != nil {
		return nil, api.ResultErrorf(api.AuthenticationFailed, "Invalid public key: %v", err)
	}

	keys, err := a.Keys.AuthorizedKeys(req.UserName)
	if err != nil {
		return nil, api.ResultErrorf(api.PublicKeyNotAuthorized, "No keys for user %q", req.UserName)
	}

	found := false
	for _, k := range keys {
		if bytes.Equal(k.Marshal(), key.Marshal()) {
			found = true
			break
		}
	}

	if !found {
		return nil, api.ResultErrorf(api.PublicKeyNotAuthorized, "Public key %s is not authorized", ssh.FingerprintSHA256(key))
	}

	cryptoKey, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return nil, api.ResultErrorf(api.PublicKeyNotAuthorized, "Unsupported key type %s", key.Type())
	}

	rsaKey, ok := cryptoKey.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, api.ResultErrorf(api.PublicKeyNotAuthorized, "Unsupported key type %s", key.Type())
	}

	sess, err := a.Sessions.LoginTrusted(req.UserName)
	if err != nil {
		return nil, api.ResultErrorf(api.AuthenticationFailed, "Can't open session for %q: %v", req.UserName, err)
	}

	secret, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, []byte(sess.ID), nil)
	if err != nil {
		return nil, api.ResultErrorf(api.Failure, "Failed encrypting session: %v", err)
	}

	err = a.register(conn, sess, req.Flags, false)
	if err != nil {
		return nil, err
	}

	logger.Info("Dispatcher connection authorized", logger.Ctx{"handle": conn.Handle(), "user": sess.User, "key": ssh.FingerprintSHA256(key)})

	return []string{base64.StdEncoding.EncodeToString(secret)}, nil
}

// Logoff acknowledges the request and drops the connection once the reply is sent.
func (a *Authenticator) Logoff(conn jobs.Conn, p *proto.Package) {
	h := a.Jobs.Send(conn, proto.NewResponse(p, api.Success, proto.Event{}))
	res := a.Jobs.WaitForSend(h, a.SendTimeout)
	a.Jobs.Release(h)

	if res != jobs.Success {
		logger.Warn("Logoff reply was not sent", logger.Ctx{"handle": conn.Handle(), "result": res})
	}

	a.Registry.Remove(conn.Handle())
}

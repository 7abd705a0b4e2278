// Package credentials produces the identity (bearer token plus account) that
// every daemon verb and remote call runs under. Sessions cache the current
// token and refresh it when it expires.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

// DefaultScopes are requested for Google application default credentials.
var DefaultScopes = []string{"https://www.googleapis.com/auth/devstorage.read_write"}

// expiryDelta refreshes tokens slightly before they expire.
const expiryDelta = 30 * time.Second

// Identity is an authenticated principal. It is only ever held in memory.
type Identity struct {
	Token   string
	Account string
	// Expiry is zero for tokens that do not expire.
	Expiry time.Time
}

// Expired reports whether the identity is no longer usable at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.Expiry.IsZero() && !now.Before(i.Expiry)
}

// Session hands out the current identity, refreshing it as needed.
type Session interface {
	Identity(ctx context.Context) (Identity, error)
}

// TokenSession is a Session over an oauth2.TokenSource.
type TokenSession struct {
	account string
	source  oauth2.TokenSource
	now     func() time.Time
}

// NewTokenSession wraps src so tokens are reused until shortly before expiry.
func NewTokenSession(account string, src oauth2.TokenSource) *TokenSession {
	return &TokenSession{
		account: account,
		source:  oauth2.ReuseTokenSourceWithExpiry(nil, src, expiryDelta),
		now:     time.Now,
	}
}

// NewStaticSession returns a session for a token handed over by the caller,
// e.g. from --auth or CS_KEY.
func NewStaticSession(token, account string) (*TokenSession, error) {
	if token == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "no token supplied").
			WithComponent("credentials")
	}
	if account == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "no account supplied").
			WithComponent("credentials")
	}
	return NewTokenSession(account, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})), nil
}

// NewGoogleSession uses Google application default credentials. account
// defaults to the credentials' project.
func NewGoogleSession(ctx context.Context, account string, scopes ...string) (*TokenSession, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, bverrors.Wrap(err, bverrors.ErrCodeCredentialsMissing, "no application default credentials").
			WithComponent("credentials")
	}
	if account == "" {
		account = creds.ProjectID
	}
	if account == "" {
		return nil, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "credentials carry no project, set CS_ACCOUNT").
			WithComponent("credentials")
	}
	return NewTokenSession(account, creds.TokenSource), nil
}

// TokenSource exposes the refreshing token source for transports that
// authenticate each request themselves.
func (s *TokenSession) TokenSource() oauth2.TokenSource {
	return s.source
}

// Identity returns the current token, refreshing it when expired.
func (s *TokenSession) Identity(ctx context.Context) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, bverrors.Wrap(err, bverrors.ErrCodeOperationCanceled, "identity canceled")
	}
	tok, err := s.source.Token()
	if err != nil {
		return Identity{}, translate(err)
	}
	id := Identity{Token: tok.AccessToken, Account: s.account, Expiry: tok.Expiry}
	if id.Token == "" {
		return Identity{}, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "token source returned an empty token").
			WithComponent("credentials")
	}
	if id.Expired(s.now()) {
		return Identity{}, bverrors.Newf(bverrors.ErrCodeTokenExpired, "token for %s expired at %s",
			id.Account, id.Expiry.Format(time.RFC3339)).WithComponent("credentials")
	}
	return id, nil
}

// AWSSession is a Session over the AWS credential chain.
type AWSSession struct {
	account  string
	provider aws.CredentialsProvider
}

// NewAWSSession wraps provider in a credentials cache. account defaults to
// the access key id.
func NewAWSSession(account string, provider aws.CredentialsProvider) *AWSSession {
	return &AWSSession{
		account:  account,
		provider: aws.NewCredentialsCache(provider, func(o *aws.CredentialsCacheOptions) { o.ExpiryWindow = expiryDelta }),
	}
}

// Provider exposes the cached credentials for the S3 client.
func (s *AWSSession) Provider() aws.CredentialsProvider {
	return s.provider
}

// Identity retrieves credentials, refreshing them through the cache.
func (s *AWSSession) Identity(ctx context.Context) (Identity, error) {
	creds, err := s.provider.Retrieve(ctx)
	if err != nil {
		return Identity{}, translate(err)
	}
	if !creds.HasKeys() {
		return Identity{}, bverrors.NewError(bverrors.ErrCodeCredentialsMissing, "aws credentials have no keys").
			WithComponent("credentials")
	}
	account := s.account
	if account == "" {
		account = creds.AccessKeyID
	}
	id := Identity{Token: creds.AccessKeyID, Account: account}
	if creds.SessionToken != "" {
		id.Token = creds.SessionToken
	}
	if creds.CanExpire {
		id.Expiry = creds.Expires
	}
	return id, nil
}

// Memo caches the identity of any Session until it expires. It is used for
// sessions whose own refresh is expensive.
type Memo struct {
	session Session
	now     func() time.Time

	mu      sync.Mutex
	current *Identity
}

// NewMemo wraps session.
func NewMemo(session Session) *Memo {
	return &Memo{session: session, now: time.Now}
}

// Identity returns the memoized identity or fetches a fresh one.
func (m *Memo) Identity(ctx context.Context) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Expired(m.now().Add(expiryDelta)) {
		return *m.current, nil
	}
	id, err := m.session.Identity(ctx)
	if err != nil {
		m.current = nil
		return Identity{}, err
	}
	m.current = &id
	return id, nil
}

// Invalidate drops the memoized identity, e.g. after the store rejected it.
func (m *Memo) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

func translate(err error) error {
	var bvErr *bverrors.BlockVFSError
	if errors.As(err, &bvErr) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return bverrors.Wrap(err, bverrors.ErrCodeAuthenticationFailed,
			fmt.Sprintf("token endpoint rejected the request (%s)", retrieveErr.ErrorCode)).
			WithComponent("credentials")
	}
	return bverrors.Wrap(err, bverrors.ErrCodeAuthenticationFailed, "failed to obtain credentials").
		WithComponent("credentials")
}

package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/objectfs/blockvfs/internal/config"
	bverrors "github.com/objectfs/blockvfs/pkg/errors"
)

type countingSource struct {
	calls  int32
	expiry time.Duration
}

func (s *countingSource) Token() (*oauth2.Token, error) {
	n := atomic.AddInt32(&s.calls, 1)
	return &oauth2.Token{
		AccessToken: "token-" + string(rune('0'+n)),
		Expiry:      time.Now().Add(s.expiry),
	}, nil
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) {
	return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
}

func TestStaticSession(t *testing.T) {
	s, err := NewStaticSession("secret", "alice")
	require.NoError(t, err)

	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", id.Token)
	assert.Equal(t, "alice", id.Account)
	assert.True(t, id.Expiry.IsZero())
	assert.False(t, id.Expired(time.Now()))
}

func TestStaticSession_Missing(t *testing.T) {
	_, err := NewStaticSession("", "alice")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeCredentialsMissing))

	_, err = NewStaticSession("secret", "")
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeCredentialsMissing))
}

func TestTokenSession_ReusesUntilExpiry(t *testing.T) {
	src := &countingSource{expiry: time.Hour}
	s := NewTokenSession("proj", src)

	first, err := s.Identity(context.Background())
	require.NoError(t, err)
	second, err := s.Identity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
}

func TestTokenSession_RefreshesExpired(t *testing.T) {
	// tokens inside the expiry window are refreshed on every call
	src := &countingSource{expiry: time.Second}
	s := NewTokenSession("proj", src)

	_, err := s.Identity(context.Background())
	require.NoError(t, err)
	_, err = s.Identity(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
}

func TestTokenSession_Expired(t *testing.T) {
	s := NewTokenSession("proj", oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "old",
		Expiry:      time.Now().Add(-time.Minute),
	}))
	// ReuseTokenSource hands back the static token; the session rejects it
	_, err := s.Identity(context.Background())
	require.Error(t, err)
	assert.True(t, bverrors.IsKind(err, bverrors.CategoryAuth))
}

func TestTokenSession_RetrieveError(t *testing.T) {
	s := NewTokenSession("proj", failingSource{})
	_, err := s.Identity(context.Background())
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeAuthenticationFailed))
	assert.Equal(t, 6, bverrors.ExitCode(err))
}

func TestAWSSession(t *testing.T) {
	s := NewAWSSession("", awscreds.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""))

	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIDEXAMPLE", id.Account)
	assert.Equal(t, "AKIDEXAMPLE", id.Token)
	assert.NotNil(t, s.Provider())
}

func TestAWSSession_Error(t *testing.T) {
	s := NewAWSSession("acct", aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, errors.New("no credentials in chain")
	}))
	_, err := s.Identity(context.Background())
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeAuthenticationFailed))
}

type stubSession struct {
	calls int
	id    Identity
}

func (s *stubSession) Identity(context.Context) (Identity, error) {
	s.calls++
	return s.id, nil
}

func TestMemo(t *testing.T) {
	stub := &stubSession{id: Identity{Token: "t", Account: "a", Expiry: time.Now().Add(time.Hour)}}
	m := NewMemo(stub)

	for i := 0; i < 3; i++ {
		_, err := m.Identity(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, stub.calls)

	m.Invalidate()
	_, err := m.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)

	// an identity about to expire is fetched again
	stub.id.Expiry = time.Now().Add(time.Second)
	m.Invalidate()
	_, _ = m.Identity(context.Background())
	_, _ = m.Identity(context.Background())
	assert.Equal(t, 4, stub.calls)
}

func TestFromConfig(t *testing.T) {
	cfg := config.NewDefault()
	cfg.Storage.Module = config.ModuleLocal
	cfg.Storage.LocalRoot = t.TempDir()
	cfg.Credentials.Account = "bob"

	s, err := FromConfig(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	id, err := s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bob", id.Account)

	cfg.Credentials.Token = "explicit"
	s, err = FromConfig(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	id, err = s.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "explicit", id.Token)

	cfg.Credentials.Token = ""
	cfg.Storage.Module = "ftp"
	_, err = FromConfig(context.Background(), cfg, zerolog.Nop())
	assert.True(t, bverrors.HasCode(err, bverrors.ErrCodeInvalidConfig))
}

package s3

import (
	"context"
	"errors"
	"io"
	"testing"

	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/certgw/store"
)

type mockClient struct {
	putErr    error
	deleteErr error

	putKeys    []string
	putBodies  [][]byte
	deleteKeys []string
}

func (m *mockClient) PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.putKeys = append(m.putKeys, *params.Key)
	m.putBodies = append(m.putBodies, body)
	return &s3aws.PutObjectOutput{}, nil
}

func (m *mockClient) DeleteObject(ctx context.Context, params *s3aws.DeleteObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.DeleteObjectOutput, error) {
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	m.deleteKeys = append(m.deleteKeys, *params.Key)
	return &s3aws.DeleteObjectOutput{}, nil
}

func newTestStore(t *testing.T, client *mockClient) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Bucket: "challenges"}, WithClient(client))
	require.NoError(t, err)
	return s
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{}, WithClient(&mockClient{}))
	assert.Error(t, err)
}

func TestPut(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	s := newTestStore(t, client)

	path := store.ChallengePath("tok")
	require.NoError(t, s.Put(context.Background(), path, []byte("tok.thumb")))
	require.Equal(t, []string{".well-known/acme-challenge/tok"}, client.putKeys)
	assert.Equal(t, []byte("tok.thumb"), client.putBodies[0])
}

func TestPutTransient(t *testing.T) {
	t.Parallel()
	client := &mockClient{putErr: &smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"}}
	s := newTestStore(t, client)

	err := s.Put(context.Background(), "p", []byte("b"))
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
}

func TestPutPermanent(t *testing.T) {
	t.Parallel()
	client := &mockClient{putErr: &smithy.GenericAPIError{Code: "AccessDenied", Message: "no"}}
	s := newTestStore(t, client)

	err := s.Put(context.Background(), "p", []byte("b"))
	require.Error(t, err)
	assert.False(t, store.IsTransient(err))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	client := &mockClient{}
	s := newTestStore(t, client)

	require.NoError(t, s.Delete(context.Background(), "p"))
	assert.Equal(t, []string{"p"}, client.deleteKeys)
}

func TestDeleteMissingObject(t *testing.T) {
	t.Parallel()

	// Withdrawing something already gone is success, whichever way the
	// service reports the absence.
	for _, missingErr := range []error{
		&types.NoSuchKey{},
		&smithy.GenericAPIError{Code: "NoSuchKey", Message: "gone"},
	} {
		client := &mockClient{deleteErr: missingErr}
		s := newTestStore(t, client)
		assert.NoError(t, s.Delete(context.Background(), "p"))
	}
}

func TestDeleteCanceled(t *testing.T) {
	t.Parallel()
	client := &mockClient{deleteErr: context.Canceled}
	s := newTestStore(t, client)

	err := s.Delete(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, store.IsTransient(err))
}

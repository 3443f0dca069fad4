package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nerdneilsfield/imagegen-billing/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func testUploader(client ObjectPutter) *Uploader {
	u := NewUploaderWithClient(config.S3Config{
		Bucket:        "images",
		PublicBaseURL: "https://cdn.example.com/",
	}, client)
	u.now = func() time.Time { return time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC) }
	return u
}

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(config.S3Config{})
	assert.Error(t, err)
	_, err = NewUploader(config.S3Config{Bucket: "b", Region: "us-east-1"})
	assert.Error(t, err)

	u, err := NewUploader(config.S3Config{Bucket: "b", Region: "us-east-1", AccessKey: "a", SecretKey: "s", PublicBaseURL: "https://cdn"})
	require.NoError(t, err)
	assert.NotNil(t, u)
}

func TestUploadBuildsKeyAndURL(t *testing.T) {
	client := &fakeS3{}
	url, err := testUploader(client).Upload(context.Background(), "user-1", []byte("png"), "image/png")
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	key := *client.inputs[0].Key
	assert.True(t, strings.HasPrefix(key, "generations/2025/03/07/user-1/"), key)
	assert.True(t, strings.HasSuffix(key, ".png"), key)
	assert.Equal(t, "https://cdn.example.com/"+key, url)
	assert.Equal(t, "images", *client.inputs[0].Bucket)

	_, err = testUploader(client).Upload(context.Background(), "user-1", nil, "image/png")
	assert.Error(t, err)
}

func TestMirror(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer src.Close()

	client := &fakeS3{}
	m := NewMirror(testUploader(client), zap.NewNop())

	url, err := m.Mirror(context.Background(), "user-1", src.URL+"/a.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".jpg"))
	assert.Equal(t, []byte("jpeg-bytes"), client.bodies[0])

	_, err = m.Mirror(context.Background(), "user-1", src.URL+"/missing.png")
	assert.Error(t, err)

	client.err = errors.New("access denied")
	_, err = m.Mirror(context.Background(), "user-1", src.URL+"/a.jpg")
	assert.ErrorContains(t, err, "access denied")
}

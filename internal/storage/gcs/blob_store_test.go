package gcs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	bytes.Buffer
	object      string
	contentType string
	closeErr    error
	closed      bool
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func newTestStore(t *testing.T, cfg Config, w *recordingWriter) *BlobStore {
	t.Helper()
	store, err := newBlobStore(cfg, func(_ context.Context, _, object, contentType string) objectWriter {
		w.object = object
		w.contentType = contentType
		return w
	})
	require.NoError(t, err)
	return store
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	store := newTestStore(t, Config{Bucket: "crawl-artifacts", Prefix: "/forum/"}, w)

	uri, err := store.PutObject(context.Background(), "challenges/abc/1-1.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)
	require.Equal(t, "gs://crawl-artifacts/forum/challenges/abc/1-1.png", uri)
	require.Equal(t, "forum/challenges/abc/1-1.png", w.object)
	require.Equal(t, "image/png", w.contentType)
	require.Equal(t, "png", w.String())
	require.True(t, w.closed)
}

func TestPutObjectCloseError(t *testing.T) {
	t.Parallel()

	boom := errors.New("finalize failed")
	store := newTestStore(t, Config{Bucket: "b"}, &recordingWriter{closeErr: boom})
	_, err := store.PutObject(context.Background(), "x", "", strings.NewReader("x"))
	require.ErrorIs(t, err, boom)
}

func TestValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = newBlobStore(Config{}, nil)
	require.Error(t, err)

	store := newTestStore(t, Config{Bucket: "b"}, &recordingWriter{})
	_, err = store.PutObject(context.Background(), "  ", "", strings.NewReader(""))
	require.Error(t, err)
}

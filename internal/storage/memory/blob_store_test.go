package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html></html>")
	uri, err := store.PutObject(context.Background(), "pages/example.com/ab/abcdef.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://pages/example.com/ab/abcdef.html", uri)

	payload[0] = 'X'
	stored, ok := store.Object("pages/example.com/ab/abcdef.html")
	require.True(t, ok)
	require.Equal(t, "<html></html>", string(stored))

	_, ok = store.Object("pages/missing.html")
	require.False(t, ok)

	_, err = store.PutObject(context.Background(), "", "text/html", payload)
	require.Error(t, err)
}

package httpcache

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeserializeRejectsForeignData(t *testing.T) {
	_, err := Deserialize([]byte("nope"))
	assert.Error(t, err)

	_, err = Deserialize([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	assert.Error(t, err)
}

func TestClone(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{"abc"}},
		Body:       io.NopCloser(strings.NewReader("shared body")),
	}

	clone, err := Clone(resp)
	require.NoError(t, err)

	first, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	second, err := io.ReadAll(clone.Body)
	require.NoError(t, err)

	assert.Equal(t, "shared body", string(first))
	assert.Equal(t, "shared body", string(second))

	clone.Header.Set("Etag", "changed")
	assert.Equal(t, "abc", resp.Header.Get("Etag"), "headers must be independent")
}

func TestSerializeKeepsEmptyBody(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}
	data, err := Serialize(resp)
	require.NoError(t, err)

	back, err := Deserialize(data)
	require.NoError(t, err)
	body, err := io.ReadAll(back.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, http.StatusNoContent, back.StatusCode)
}

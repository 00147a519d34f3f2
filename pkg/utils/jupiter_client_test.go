package utils

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSOLPrice(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, solMint, r.URL.Query().Get("inputMint"))
		assert.Equal(t, usdcMint, r.URL.Query().Get("outputMint"))
		assert.Equal(t, oneSOL, r.URL.Query().Get("amount"))
		w.Write([]byte(`{"inputMint":"So11111111111111111111111111111111111111112","outAmount":"172450000"}`))
	}))
	defer server.Close()

	client := NewJupiterClient(server.URL, time.Second)

	price, cached, err := client.GetSOLPrice(context.Background())
	require.NoError(t, err)
	assert.False(t, cached)
	assert.InDelta(t, 172.45, price, 1e-9)

	fail.Store(true)
	price, cached, err = client.GetSOLPrice(context.Background())
	require.NoError(t, err)
	assert.True(t, cached)
	assert.InDelta(t, 172.45, price, 1e-9)
}

func TestGetSOLPriceNoCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, _, err := NewJupiterClient(server.URL, time.Second).GetSOLPrice(context.Background())
	assert.Error(t, err)
}

package scanner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceLatestBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/blocks/latest", r.URL.Path)
		assert.Equal(t, "ethereum-mainnet", r.URL.Query().Get("network_id"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"block_number": 19000123}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "test-key", time.Second)
	n, err := src.LatestBlock(context.Background(), "ethereum-mainnet")
	require.NoError(t, err)
	assert.Equal(t, int64(19000123), n)
}

func TestHTTPSourceFetchTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("from_block"))
		assert.Equal(t, "200", r.URL.Query().Get("to_block"))
		w.Write([]byte(`{"transfers": [
			{"chain_tx_id": "0xaa", "from_address": "0x1", "to_address": "0x2", "amount": "5000", "block_number": 150, "network_id": "ethereum-mainnet"}
		]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", time.Second)
	events, err := src.FetchTransfers(context.Background(), "ethereum-mainnet", 100, 200)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "0xaa", events[0].ChainTxID)
	assert.Equal(t, "5000", events[0].Amount)
	assert.Equal(t, int64(150), events[0].BlockNumber)
}

func TestHTTPSourceNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", time.Second)
	_, err := src.LatestBlock(context.Background(), "ethereum-mainnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendOneDeliversToCriticalityPath(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := New(nil, ts.URL, 4, time.Second)
	payload := `{"transaction_id":"tx-1","criticality":"high"}`

	d.sendOne(context.Background(), payload)

	require.Equal(t, "/api/alerts/high", gotPath)
	require.Equal(t, "tx-1", gotBody["transaction_id"])
}

func TestSendOneDefaultsCriticalityWhenMissing(t *testing.T) {
	var gotPath string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := New(nil, ts.URL, 4, time.Second)
	d.sendOne(context.Background(), `{"transaction_id":"tx-2"}`)

	require.Equal(t, "/api/alerts/medium", gotPath)
}

func TestSendOneIgnoresUndecodablePayload(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	d := New(nil, ts.URL, 4, time.Second)
	d.sendOne(context.Background(), `not-json`)

	require.False(t, called)
}

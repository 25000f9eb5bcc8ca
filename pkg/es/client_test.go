package es

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fastdrop-go/internal/config"
	"fastdrop-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeES struct {
	mu      sync.Mutex
	created bool
	docs    []map[string]interface{}
}

func (f *fakeES) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodHead && r.URL.Path == "/audit":
		if f.created {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && r.URL.Path == "/audit":
		f.created = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case r.Method == http.MethodPost && r.URL.Path == "/audit/_doc":
		var doc map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&doc)
		f.docs = append(f.docs, doc)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"unexpected"}`)
	}
}

func TestAuditIndexerCreatesIndexAndWrites(t *testing.T) {
	fake := &fakeES{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	idx, err := NewAuditIndexer(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "audit"})
	require.NoError(t, err)
	assert.True(t, fake.created)

	actor := uint(3)
	err = idx.Write(context.Background(), &model.AuditLog{
		Action:     model.AuditUpload,
		ActorID:    &actor,
		ResourceID: "file-1",
		Metadata:   `{"checksum":"abc"}`,
	})
	require.NoError(t, err)

	require.Len(t, fake.docs, 1)
	assert.Equal(t, "upload", fake.docs[0]["action"])
	assert.Equal(t, "file-1", fake.docs[0]["resource_id"])
	assert.Equal(t, map[string]interface{}{"checksum": "abc"}, fake.docs[0]["metadata"])

	// an existing index is reused
	_, err = NewAuditIndexer(config.ElasticsearchConfig{Addresses: srv.URL, IndexName: "audit"})
	require.NoError(t, err)
}

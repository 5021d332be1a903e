package handler

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"telesync/internal/ingestion/processor"
	"telesync/internal/observability"
	"telesync/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccountStore struct {
	account store.IntegrationAccount
	err     error
}

func (f *fakeAccountStore) GetIntegrationAccountByWebhookToken(_ context.Context, provider, token string) (store.IntegrationAccount, error) {
	if f.err != nil {
		return store.IntegrationAccount{}, f.err
	}
	if provider != f.account.Provider || token != f.account.WebhookToken {
		return store.IntegrationAccount{}, store.ErrNotFound
	}
	return f.account, nil
}

type fakeIngestor struct {
	result processor.Result
	err    error
	calls  int
}

func (f *fakeIngestor) Ingest(_ context.Context, _ store.IntegrationAccount, _ []byte, _ store.ReceivedVia) (processor.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeSyncRecorder struct {
	mu        sync.Mutex
	successes []int
	failures  []error
}

func (f *fakeSyncRecorder) RecordWebhookSuccess(_ context.Context, _ uuid.UUID, newEvents int, _ int64) (store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, newEvents)
	return store.SyncStatus{}, nil
}

func (f *fakeSyncRecorder) RecordWebhookFailure(_ context.Context, _ uuid.UUID, cause error) (store.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, cause)
	return store.SyncStatus{}, nil
}

type fakeDeliveryLogger struct {
	mu   sync.Mutex
	rows []store.CreateWebhookDeliveryLogParams
}

func (f *fakeDeliveryLogger) LogDelivery(_ context.Context, params store.CreateWebhookDeliveryLogParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, params)
	return nil
}

func testAccount() store.IntegrationAccount {
	return store.IntegrationAccount{
		ID:           uuid.New(),
		Provider:     "telnyx",
		WebhookToken: "tok_secret",
		IsActive:     true,
	}
}

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/webhooks/:provider/:token", h.HandleProviderWebhook)
	return router
}

func postWebhook(router *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleProviderWebhook_Accepts(t *testing.T) {
	account := testAccount()
	ingestor := &fakeIngestor{result: processor.Result{
		Event:   store.TelephonyEvent{ID: uuid.New()},
		Created: true,
	}}
	recorder := &fakeSyncRecorder{}
	deliveries := &fakeDeliveryLogger{}
	h := New(&fakeAccountStore{account: account}, ingestor, recorder, deliveries, observability.NewLogger())
	router := setupRouter(h)

	w := postWebhook(router, "/webhooks/telnyx/tok_secret", []byte(`{"data":{}}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ingestor.calls)
	require.Len(t, recorder.successes, 1)
	assert.Equal(t, 1, recorder.successes[0])
	require.Len(t, deliveries.rows, 1)
	assert.Equal(t, http.StatusOK, deliveries.rows[0].ResponseStatus)
	require.NotNil(t, deliveries.rows[0].IntegrationID)
	assert.Equal(t, account.ID, *deliveries.rows[0].IntegrationID)
}

func TestHandleProviderWebhook_UnknownTokenIs404AndLogged(t *testing.T) {
	ingestor := &fakeIngestor{}
	recorder := &fakeSyncRecorder{}
	deliveries := &fakeDeliveryLogger{}
	h := New(&fakeAccountStore{account: testAccount()}, ingestor, recorder, deliveries, observability.NewLogger())
	router := setupRouter(h)

	w := postWebhook(router, "/webhooks/telnyx/wrong_token", []byte(`{}`))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 0, ingestor.calls)
	// Unknown tokens never touch channel health but do show in the feed.
	assert.Empty(t, recorder.failures)
	require.Len(t, deliveries.rows, 1)
	assert.Nil(t, deliveries.rows[0].IntegrationID)
	assert.Equal(t, http.StatusNotFound, deliveries.rows[0].ResponseStatus)
}

func TestHandleProviderWebhook_UnprocessedPayloadStill200(t *testing.T) {
	account := testAccount()
	ingestor := &fakeIngestor{result: processor.Result{
		Event:       store.TelephonyEvent{ID: uuid.New()},
		Created:     true,
		Unprocessed: true,
	}}
	recorder := &fakeSyncRecorder{}
	h := New(&fakeAccountStore{account: account}, ingestor, recorder, &fakeDeliveryLogger{}, observability.NewLogger())
	router := setupRouter(h)

	w := postWebhook(router, "/webhooks/telnyx/tok_secret", []byte(`not even json`))

	assert.Equal(t, http.StatusOK, w.Code)
	// The channel delivered fine; the payload just was not understood, so no
	// new-event credit is given.
	require.Len(t, recorder.successes, 1)
	assert.Equal(t, 0, recorder.successes[0])
	assert.Empty(t, recorder.failures)
}

func TestHandleProviderWebhook_StorageFailureIs500(t *testing.T) {
	account := testAccount()
	ingestor := &fakeIngestor{err: errors.New("connection refused")}
	recorder := &fakeSyncRecorder{}
	deliveries := &fakeDeliveryLogger{}
	h := New(&fakeAccountStore{account: account}, ingestor, recorder, deliveries, observability.NewLogger())
	router := setupRouter(h)

	w := postWebhook(router, "/webhooks/telnyx/tok_secret", []byte(`{}`))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.Len(t, recorder.failures, 1)
	assert.Empty(t, recorder.successes)
	require.Len(t, deliveries.rows, 1)
	assert.Equal(t, http.StatusInternalServerError, deliveries.rows[0].ResponseStatus)
}

func TestHandleProviderWebhook_EmptyBodyIs400(t *testing.T) {
	account := testAccount()
	recorder := &fakeSyncRecorder{}
	h := New(&fakeAccountStore{account: account}, &fakeIngestor{}, recorder, &fakeDeliveryLogger{}, observability.NewLogger())
	router := setupRouter(h)

	w := postWebhook(router, "/webhooks/telnyx/tok_secret", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.Len(t, recorder.failures, 1)
}

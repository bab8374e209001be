package settlement

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/curvex/internal/types"
)

func setupRouter(h *GinHandlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/next", h.ProcessNextHandler())
	router.POST("/drain", h.DrainHandler())
	router.POST("/trigger", h.TriggerHandler())
	router.GET("/pending", h.PendingCountHandler())
	return router
}

type envelope[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var body envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestProcessNextHandler(t *testing.T) {
	store := newTestStore()
	router := setupRouter(NewGinHandlers(NewCoordinator(store), nil))

	w := serve(router, http.MethodPost, "/next")
	assert.Equal(t, http.StatusNoContent, w.Code)

	require.NoError(t, store.Enqueue(buy("o1", "u1", "ALICE", 10, t0)))
	w = serve(router, http.MethodPost, "/next")
	assert.Equal(t, http.StatusCreated, w.Code)

	body := decode[types.SettlementResult](t, w)
	assert.True(t, body.Success)
	assert.True(t, body.Data.Success)
	assert.Equal(t, "o1", body.Data.OrderID)
	assert.NotEmpty(t, body.Data.TransactionID)
}

func TestDrainHandler(t *testing.T) {
	store := newTestStore()
	router := setupRouter(NewGinHandlers(NewCoordinator(store), nil))

	w := serve(router, http.MethodPost, "/drain")
	require.Equal(t, http.StatusCreated, w.Code)
	empty := decode[types.DrainResponse](t, w)
	assert.Zero(t, empty.Data.Processed)
	assert.NotNil(t, empty.Data.Results)

	require.NoError(t, store.Enqueue(buy("o1", "u1", "ALICE", 10, t0)))
	require.NoError(t, store.Enqueue(buy("o2", "u1", "ALICE", 5000, t0.Add(time.Second))))
	require.NoError(t, store.Enqueue(buy("o3", "u1", "ALICE", 20, t0.Add(2*time.Second))))

	w = serve(router, http.MethodPost, "/drain")
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode[types.DrainResponse](t, w)
	assert.Equal(t, 3, body.Data.Processed)
	assert.Equal(t, 2, body.Data.Completed)
	assert.Equal(t, 1, body.Data.Failed)
	require.Len(t, body.Data.Results, 3)
	assert.Equal(t, "o2", body.Data.Results[1].OrderID)
	assert.Contains(t, body.Data.Results[1].Error, "insufficient balance")
}

func TestPendingCountHandler(t *testing.T) {
	store := newTestStore()
	router := setupRouter(NewGinHandlers(NewCoordinator(store), nil))
	require.NoError(t, store.Enqueue(buy("o1", "u1", "ALICE", 10, t0)))
	require.NoError(t, store.Enqueue(buy("o2", "u1", "ALICE", 10, t0)))

	w := serve(router, http.MethodGet, "/pending")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[types.PendingResponse](t, w)
	assert.Equal(t, int64(2), body.Data.Pending)
}

func TestTriggerHandler(t *testing.T) {
	coordinator := NewCoordinator(newTestStore())

	w := serve(setupRouter(NewGinHandlers(coordinator, nil)), http.MethodPost, "/trigger")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	processor := NewProcessor(coordinator, time.Hour)
	w = serve(setupRouter(NewGinHandlers(coordinator, processor)), http.MethodPost, "/trigger")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, processor.wake, 1)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/glimte/mmate-orders/health"
	"github.com/glimte/mmate-orders/internal/order/application"
	"github.com/glimte/mmate-orders/internal/order/domain"
	"github.com/glimte/mmate-orders/internal/order/store"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/observability/metrics"
	"github.com/glimte/mmate-orders/observability/metrics/metricstest"
)

type stubNotifier struct {
	reply    string
	err      error
	messages []string
}

func (s *stubNotifier) Call(_ context.Context, message string) (string, error) {
	s.messages = append(s.messages, message)
	return s.reply, s.err
}

type stubSender struct {
	err    error
	sent   []string
	queues []rabbitmq.QueueDeclaration
}

func (s *stubSender) PublishToQueue(_ context.Context, queue rabbitmq.QueueDeclaration, body []byte) error {
	s.queues = append(s.queues, queue)
	s.sent = append(s.sent, string(body))
	return s.err
}

type server struct {
	*httptest.Server
	store    *store.Memory
	notifier *stubNotifier
	sender   *stubSender
	recorder *metricstest.Recorder
	spans    *tracetest.SpanRecorder
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{
		store:    store.NewMemory(),
		notifier: &stubNotifier{reply: `{"status":"ok"}`},
		sender:   &stubSender{},
		recorder: metricstest.New(),
		spans:    tracetest.NewSpanRecorder(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := application.NewService(s.store, s.notifier,
		application.WithLogger(logger),
		application.WithSender(s.sender, rabbitmq.QueueDeclaration{Name: "Commande"}),
	)
	registry := health.NewRegistry()
	registry.Register(health.NewStoreChecker("store", s.store), health.Critical)

	h := NewHandler(logger, svc,
		WithRecorder(s.recorder),
		WithHealth(registry),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))),
	)
	s.Server = httptest.NewServer(h.Routes())
	t.Cleanup(s.Close)
	return s
}

func (s *server) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

const orderBody = `{"idUser":"user-1","timestamp":"1717171717","status":"pending","address":"1 rue de la Paix","products":[{"idProduct":"p1","name":"banane","quantity":"5"}]}`

func TestCreateOrder(t *testing.T) {
	t.Run("returns 201 with location and envelope", func(t *testing.T) {
		s := newServer(t)

		resp := s.do(t, http.MethodPost, "/orders", orderBody)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		doc := decodeBody[domain.Document[domain.OrderDTO]](t, resp)
		assert.Equal(t, "order", doc.Data.Type)
		assert.Equal(t, "/orders/"+doc.Data.ID, resp.Header.Get("Location"))
		assert.Equal(t, "1717171717", doc.Data.Attributes.Timestamp)

		require.Len(t, s.notifier.messages, 1)
		assert.Contains(t, s.notifier.messages[0], `"orderId":"`+doc.Data.ID+`"`)
	})

	t.Run("still returns 201 when the notification fails", func(t *testing.T) {
		s := newServer(t)
		s.notifier.err = errors.New("broker unreachable")

		resp := s.do(t, http.MethodPost, "/orders", orderBody)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		orders, err := s.store.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, orders, 1)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodPost, "/orders", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, s.notifier.messages)
	})
}

func TestReadOrders(t *testing.T) {
	t.Run("list wraps every order", func(t *testing.T) {
		s := newServer(t)
		s.do(t, http.MethodPost, "/orders", orderBody)
		s.do(t, http.MethodPost, "/orders", orderBody)

		resp := s.do(t, http.MethodGet, "/orders", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		doc := decodeBody[domain.CollectionDocument[domain.OrderDTO]](t, resp)
		assert.Len(t, doc.Data, 2)
	})

	t.Run("empty list", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodGet, "/orders", "")
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":[]}`, string(body))
	})

	t.Run("complete lists only completed orders", func(t *testing.T) {
		s := newServer(t)
		s.do(t, http.MethodPost, "/orders", orderBody)
		s.do(t, http.MethodPost, "/orders", strings.Replace(orderBody, "pending", "completed", 1))

		resp := s.do(t, http.MethodGet, "/orders/complete", "")
		doc := decodeBody[domain.CollectionDocument[domain.OrderDTO]](t, resp)
		require.Len(t, doc.Data, 1)
		assert.Equal(t, domain.StatusCompleted, doc.Data[0].Attributes.Status)
	})

	t.Run("get by id", func(t *testing.T) {
		s := newServer(t)
		created := decodeBody[domain.Document[domain.OrderDTO]](t, s.do(t, http.MethodPost, "/orders", orderBody))

		resp := s.do(t, http.MethodGet, "/orders/"+created.Data.ID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, created, decodeBody[domain.Document[domain.OrderDTO]](t, resp))
	})

	t.Run("get with an invalid id", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodGet, "/orders/xyz", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Invalid ObjectId format.")
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodGet, "/orders/"+primitive.NewObjectID().Hex(), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUpdateAndDeleteOrder(t *testing.T) {
	t.Run("update returns the new envelope", func(t *testing.T) {
		s := newServer(t)
		created := decodeBody[domain.Document[domain.OrderDTO]](t, s.do(t, http.MethodPost, "/orders", orderBody))

		resp := s.do(t, http.MethodPut, "/orders/"+created.Data.ID, strings.Replace(orderBody, "pending", "completed", 1))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		doc := decodeBody[domain.Document[domain.OrderDTO]](t, resp)
		assert.Equal(t, created.Data.ID, doc.Data.ID)
		assert.Equal(t, domain.StatusCompleted, doc.Data.Attributes.Status)
	})

	t.Run("update validates id before body", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodPut, "/orders/bad", "{")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "Invalid ObjectId format.")
	})

	t.Run("update unknown id", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodPut, "/orders/"+primitive.NewObjectID().Hex(), orderBody)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete then delete again", func(t *testing.T) {
		s := newServer(t)
		created := decodeBody[domain.Document[domain.OrderDTO]](t, s.do(t, http.MethodPost, "/orders", orderBody))

		assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/orders/"+created.Data.ID, "").StatusCode)
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/orders/"+created.Data.ID, "").StatusCode)
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/orders/nope", "").StatusCode)
	})
}

func TestSend(t *testing.T) {
	t.Run("publishes the default message", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodPost, "/send", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []string{DefaultSendMessage}, s.sender.sent)
		assert.Equal(t, []rabbitmq.QueueDeclaration{{Name: "Commande"}}, s.sender.queues)
	})

	t.Run("503 when the broker is unreachable", func(t *testing.T) {
		s := newServer(t)
		s.sender.err = &rabbitmq.ConnectionError{Op: "connect", Err: rabbitmq.ErrConnectionNotReady}
		resp := s.do(t, http.MethodPost, "/send", "hello")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("500 on other failures", func(t *testing.T) {
		s := newServer(t)
		s.sender.err = &rabbitmq.PublishError{Exchange: "", RoutingKey: "Commande", Err: errors.New("nack")}
		resp := s.do(t, http.MethodPost, "/send", "hello")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestOperationalRoutes(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodGet, "/", "")
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "OK", string(body))
	})

	t.Run("healthcheck reports the store", func(t *testing.T) {
		s := newServer(t)
		resp := s.do(t, http.MethodGet, "/healthcheck", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		overall := decodeBody[health.Report](t, resp)
		assert.Equal(t, health.StatusHealthy, overall.Status)
		assert.Contains(t, overall.Checks, "store")
	})
}

func TestInstrumentation(t *testing.T) {
	t.Run("tags requests by route pattern", func(t *testing.T) {
		s := newServer(t)
		s.do(t, http.MethodGet, "/orders/"+primitive.NewObjectID().Hex(), "")

		assert.Equal(t, int64(1), s.recorder.Value(metrics.HTTPRequestTotal))
		endpoint, ok := s.recorder.Attributes(metrics.HTTPRequestTotal)[0].Value("endpoint")
		require.True(t, ok)
		assert.Equal(t, "get/orders/{id}", endpoint.AsString())

		status, _ := s.recorder.Attributes(metrics.HTTPResponseTotal)[0].Value("status")
		assert.Equal(t, "404", status.AsString())
		assert.Len(t, s.recorder.Observations(metrics.ResponseTimeMs), 1)
	})

	t.Run("opens a server span named after the route", func(t *testing.T) {
		s := newServer(t)
		s.do(t, http.MethodGet, "/orders/complete", "")

		spans := s.spans.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "GET /orders/complete", spans[0].Name())
		assert.Contains(t, spans[0].Attributes(), attribute.Int("http.response.status_code", 200))
	})
}

package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/internal/adapter/llm"
	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/service/servicetest"
)

type echoResponder string

func (r echoResponder) Respond(context.Context, string, []domain.Message) (string, *llm.Usage, error) {
	return string(r), nil, nil
}

func newTestHandler(t *testing.T) (*Handler, *servicetest.Env) {
	t.Helper()
	env := servicetest.New(t, echoResponder("hello from the supervisor"))
	return NewHandler(env.Service), env
}

type call struct {
	method string
	path   string
	params map[string]string
	query  string
	body   any
}

// serve runs fn against a recorded request built from c.
func serve(t *testing.T, fn echo.HandlerFunc, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		switch b := c.body.(type) {
		case string:
			body.WriteString(b)
		default:
			if err := json.NewEncoder(&body).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	target := c.path
	if c.query != "" {
		target += "?" + c.query
	}
	req := httptest.NewRequest(c.method, target, &body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := echo.New().NewContext(req, rec)
	ctx.SetPath(c.path)
	var names, values []string
	for name, value := range c.params {
		names = append(names, name)
		values = append(values, value)
	}
	ctx.SetParamNames(names...)
	ctx.SetParamValues(values...)
	if err := fn(ctx); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

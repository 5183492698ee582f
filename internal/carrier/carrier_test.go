package carrier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsdispatch/internal/model"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]model.MessageStatus{
		"accepted":    model.MessageQueued,
		"queued":      model.MessageQueued,
		"sending":     model.MessageSent,
		"SENT":        model.MessageSent,
		"delivered":   model.MessageDelivered,
		"read":        model.MessageDelivered,
		"undelivered": model.MessageUndelivered,
		"failed":      model.MessageFailed,
	}
	for raw, want := range cases {
		got, ok := NormalizeStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := NormalizeStatus("partially_delivered")
	assert.False(t, ok)
}

func TestSegments(t *testing.T) {
	assert.Equal(t, 1, Segments(""))
	assert.Equal(t, 1, Segments(strings.Repeat("a", 160)))
	assert.Equal(t, 2, Segments(strings.Repeat("a", 161)))
	assert.Equal(t, 3, Segments(strings.Repeat("a", 307)))
	// Extended characters count double.
	assert.Equal(t, 2, Segments(strings.Repeat("{", 81)))
	// A single non-GSM rune switches to UCS-2.
	assert.Equal(t, 1, Segments(strings.Repeat("a", 69)+"✓"))
	assert.Equal(t, 2, Segments(strings.Repeat("a", 70)+"✓"))
}

func TestAsError(t *testing.T) {
	ce := AsError(fmt.Errorf("wrapped: %w", &Error{Code: CodeInvalidTo}))
	assert.Equal(t, CodeInvalidTo, ce.Code)

	ce = AsError(context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, ce.Code)
	assert.True(t, ce.Retryable)

	ce = AsError(errors.New("connection reset"))
	assert.Equal(t, CodeNetwork, ce.Code)
	assert.True(t, ce.Retryable)
	assert.True(t, ce.Ambiguous())
	assert.False(t, (&Error{Code: CodeRateLimited, Retryable: true}).Ambiguous())

	assert.Nil(t, AsError(nil))
}

func TestHTTPClientSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "msg-1", r.Header.Get("I-Twilio-Idempotency-Token"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15125550100", r.PostForm.Get("To"))
		assert.Equal(t, "+15125550199", r.PostForm.Get("From"))
		assert.Equal(t, "hello", r.PostForm.Get("Body"))
		assert.Equal(t, "https://hooks.example.com/status", r.PostForm.Get("StatusCallback"))

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"sid":"SM1","status":"queued","num_segments":"1","error_code":null}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, AccountSID: "AC123", AuthToken: "secret",
		StatusCallback: "https://hooks.example.com/status"})
	res, err := c.Send(context.Background(), SendRequest{
		To: "+15125550100", From: "+15125550199", Body: "hello", IdempotencyKey: "msg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "SM1", res.CarrierMessageID)
	assert.Equal(t, model.MessageQueued, res.Status)
	assert.Equal(t, 1, res.Segments)
}

func TestHTTPClientSendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"invalid to", 400, `{"code":21211,"message":"The 'To' number is not valid.","status":400}`, CodeInvalidTo, false},
		{"unsubscribed", 400, `{"code":21610,"message":"Attempt to send to unsubscribed recipient","status":400}`, CodeUnsubscribed, false},
		{"throttled", 429, `{"code":20429,"message":"Too Many Requests","status":429}`, CodeRateLimited, true},
		{"server error", 503, `upstream unavailable`, "503", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := NewHTTPClient(Config{BaseURL: srv.URL, AccountSID: "AC1"})
			_, err := c.Send(context.Background(), SendRequest{To: "+1", From: "+2", Body: "x"})
			require.Error(t, err)
			ce := AsError(err)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.retryable, ce.Retryable)
		})
	}
}

func TestHTTPClientTimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, AccountSID: "AC1"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, SendRequest{To: "+1", From: "+2", Body: "x"})
	require.Error(t, err)
	ce := AsError(err)
	assert.Equal(t, CodeTimeout, ce.Code)
	assert.True(t, ce.Retryable)
}

func TestHTTPClientFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages/SM9.json", r.URL.Path)
		fmt.Fprint(w, `{"sid":"SM9","status":"undelivered","error_code":30003}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(Config{BaseURL: srv.URL, AccountSID: "AC1"})
	st, err := c.FetchStatus(context.Background(), "SM9")
	require.NoError(t, err)
	assert.Equal(t, model.MessageUndelivered, st.Status)
	assert.Equal(t, CodeUnreachable, st.ErrorCode)
	assert.Equal(t, "undelivered", st.RawStatus)
}

func TestFakeIdempotencyAndScript(t *testing.T) {
	f := NewFake()
	f.FailNext(1, &Error{Code: CodeTimeout, Retryable: true})
	ctx := context.Background()

	_, err := f.Send(ctx, SendRequest{IdempotencyKey: "k1", Body: "hi"})
	require.Error(t, err)

	first, err := f.Send(ctx, SendRequest{IdempotencyKey: "k1", Body: "hi"})
	require.NoError(t, err)
	again, err := f.Send(ctx, SendRequest{IdempotencyKey: "k1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, first.CarrierMessageID, again.CarrierMessageID)
	assert.Len(t, f.Sends(), 2)

	f.SetStatus(first.CarrierMessageID, "delivered", "")
	st, err := f.FetchStatus(ctx, first.CarrierMessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageDelivered, st.Status)
}

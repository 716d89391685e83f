package statusd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/presbrey/ircdcc/dcc"
	"github.com/presbrey/ircdcc/irc"
	"github.com/presbrey/ircdcc/irc/command"
	"github.com/presbrey/ircdcc/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	inputs    []string
	inputErr  error
	transfers map[string]dcc.Transfer
	offers    []session.PendingOffer
	cancelled []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		transfers: map[string]dcc.Transfer{
			"t1": {ID: "t1", Peer: "bob", FileName: "a.txt", Size: 10, Transferred: 4, Status: dcc.InProgress},
			"t2": {ID: "t2", Peer: "amy", FileName: "b.txt", Size: 5, Transferred: 5, Status: dcc.Completed},
		},
		offers: []session.PendingOffer{{ID: "o1", From: "eve", Offer: dcc.Offer{FileName: "c.txt", Address: "127.0.0.1", Port: 5000, Size: 3}}},
	}
}

func (f *fakeBackend) Status() session.Status {
	return session.Status{State: "registered", Server: "127.0.0.1:6667", Nick: "tester", Transfers: len(f.transfers)}
}

func (f *fakeBackend) Input(line, channel string) error {
	f.inputs = append(f.inputs, channel+" "+line)
	return f.inputErr
}

func (f *fakeBackend) Transfers() []dcc.Transfer {
	return []dcc.Transfer{f.transfers["t1"], f.transfers["t2"]}
}

func (f *fakeBackend) Transfer(id string) (dcc.Transfer, error) {
	t, ok := f.transfers[id]
	if !ok {
		return dcc.Transfer{}, dcc.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackend) CancelTransfer(id string) error {
	if id == "o1" {
		f.offers = nil
		return nil
	}
	t, ok := f.transfers[id]
	if !ok {
		return dcc.ErrNotFound
	}
	if t.Status.Terminal() {
		return dcc.ErrFinished
	}
	t.Status = dcc.Cancelled
	f.transfers[id] = t
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBackend) PendingOffers() []session.PendingOffer { return f.offers }

func (f *fakeBackend) AcceptOffer(id string) (dcc.Transfer, error) {
	if id != "o1" {
		return dcc.Transfer{}, session.ErrNoOffer
	}
	t := dcc.Transfer{ID: "t3", Peer: "eve", FileName: "c.txt", Direction: dcc.Receive, Status: dcc.Pending}
	f.transfers["t3"] = t
	return t, nil
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	s := New(newFakeBackend())

	rec := do(t, s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var st session.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "registered", st.State)
	assert.Equal(t, "tester", st.Nick)
	assert.Equal(t, 2, st.Transfers)
}

func TestTransfers(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	rec := do(t, s, http.MethodGet, "/transfers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []dcc.Transfer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, dcc.InProgress, list[0].Status)
	assert.Contains(t, rec.Body.String(), `"status":"in_progress"`)

	rec = do(t, s, http.MethodGet, "/transfers/t2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file_name":"b.txt"`)

	rec = do(t, s, http.MethodGet, "/transfers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	rec := do(t, s, http.MethodPost, "/transfers/t1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)
	assert.Equal(t, []string{"t1"}, b.cancelled)

	rec = do(t, s, http.MethodPost, "/transfers/t2/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/transfers/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/transfers/o1/cancel", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, b.offers)
}

func TestOffers(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	rec := do(t, s, http.MethodGet, "/offers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"from":"eve"`)

	rec = do(t, s, http.MethodPost, "/offers/o1/accept", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"t3"`)

	rec = do(t, s, http.MethodPost, "/offers/zzz/accept", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommand(t *testing.T) {
	b := newFakeBackend()
	s := New(b)

	rec := do(t, s, http.MethodPost, "/command", `{"input":"/join go","channel":"#home"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"#home /join go"}, b.inputs)

	rec = do(t, s, http.MethodPost, "/command", `{"channel":"#home"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "input")

	rec = do(t, s, http.MethodPost, "/command", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tests := []struct {
		err  error
		code int
	}{
		{&command.UsageError{Command: "msg", Usage: "msg <target> <message>"}, http.StatusBadRequest},
		{fmt.Errorf("%w: frob", command.ErrUnknownCommand), http.StatusBadRequest},
		{irc.ErrNotConnected, http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		b.inputErr = tt.err
		rec = do(t, s, http.MethodPost, "/command", `{"input":"/msg bob"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestMetrics(t *testing.T) {
	s := New(newFakeBackend())
	do(t, s, http.MethodGet, "/status", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), `path="/status"`)
}

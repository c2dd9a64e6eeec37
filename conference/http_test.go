package conference

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerNotifyStart(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(NewHandler(reg, testLog()))
	key := "conf:acct:sales/emea"

	post := func(path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		router.ServeHTTP(rec, req)
		return rec
	}
	path := "/v1/conference/" + url.PathEscape(key) + "/leg1"

	t.Run("stray notice", func(t *testing.T) {
		rec := post(path, `{"ownerAddress":"10.0.0.1:5060"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(path, `{`).Code)
		assert.Equal(t, http.StatusBadRequest, post(path, `{}`).Code)
	})

	t.Run("wakes the waiting leg", func(t *testing.T) {
		w := newWaiter()
		reg.addWaiter(key, "leg1", w)

		rec := post(path, `{"ownerAddress":"10.0.0.1:5060"}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		res := <-w.ch
		assert.Equal(t, "10.0.0.1:5060", res.notice.OwnerAddress)
	})

	t.Run("wakes every leg without leg id", func(t *testing.T) {
		w1, w2 := newWaiter(), newWaiter()
		reg.addWaiter(key, "leg2", w1)
		reg.addWaiter(key, "leg3", w2)

		rec := post("/v1/conference/"+url.PathEscape(key), `{"ownerAddress":"10.0.0.2:5060"}`)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "10.0.0.2:5060", (<-w1.ch).notice.OwnerAddress)
		assert.Equal(t, "10.0.0.2:5060", (<-w2.ch).notice.OwnerAddress)
	})

	t.Run("only POST", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

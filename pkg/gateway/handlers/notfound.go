package handlers

import (
	"net/http"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, http.StatusNotFound, "not found", requestIDFromContext(r.Context()))
}

package handlers

import (
	"net/http"

	"github.com/voxlane/voxlane/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, &apierror.Error{
		Type:    apierror.ErrNotFound,
		Message: "not found",
	})
}

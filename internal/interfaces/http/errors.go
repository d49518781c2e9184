package http

import (
	"net/http"

	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// statusForKind maps an engine error kind onto an HTTP status code
func statusForKind(kind domainwf.ErrorKind) int {
	switch kind {
	case domainwf.KindNone:
		return http.StatusOK
	case domainwf.KindInstanceNotFound:
		return http.StatusNotFound
	case domainwf.KindForbidden:
		return http.StatusForbidden
	case domainwf.KindConcurrentModification, domainwf.KindDuplicateActiveInstance:
		return http.StatusConflict
	case domainwf.KindIllegalTransition, domainwf.KindWorkflowNotActive, domainwf.KindHandlerFailed:
		return http.StatusUnprocessableEntity
	case domainwf.KindUnknownAction, domainwf.KindInvalidRequest, domainwf.KindUnknownWorkflowType:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

package api

import (
	"net/http"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
)

func httpStatusForError(err error) int {
	switch core.GetCategory(err) {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity
	case core.ErrCatNotFound:
		return http.StatusNotFound
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout
	case core.ErrCatAborted, core.ErrCatRuntime, core.ErrCatBuild:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// httpStatusForCode maps a serialized error code to a status. Errors thrown
// by user code carry no code and map to 500.
func httpStatusForCode(code string) int {
	switch code {
	case core.CodeInvalidQuery, core.CodeInvalidConfig, core.CodeNoPrivateHandler:
		return http.StatusUnprocessableEntity
	case core.CodeUnknownDataSource, core.CodeUnknownFunction, "NOT_FOUND":
		return http.StatusNotFound
	case core.CodeTimeout:
		return http.StatusGatewayTimeout
	case core.CodeAborted, core.CodeNotRunning, core.CodeRuntimeCrash, core.CodeBuildFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

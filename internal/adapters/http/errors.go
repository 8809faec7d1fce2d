package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var statusByKind = []struct {
	kind   error
	status int
	code   string
}{
	{domain.ErrInvalidConfiguration, http.StatusBadRequest, "invalid_configuration"},
	{domain.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{domain.ErrRoomNotFound, http.StatusNotFound, "room_not_found"},
	{domain.ErrParticipantNotFound, http.StatusNotFound, "participant_not_found"},
	{domain.ErrTransportNotFound, http.StatusNotFound, "transport_not_found"},
	{domain.ErrProducerNotFound, http.StatusNotFound, "producer_not_found"},
	{domain.ErrConsumerNotFound, http.StatusNotFound, "consumer_not_found"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrRoomNotActive, http.StatusConflict, "room_not_active"},
	{domain.ErrRoomFull, http.StatusConflict, "room_full"},
	{domain.ErrAlreadyJoined, http.StatusConflict, "already_joined"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrMediaEngine, http.StatusBadGateway, "media_engine"},
	{domain.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// StatusOf maps the error taxonomy onto HTTP status codes.
func StatusOf(err error) (int, string) {
	for _, e := range statusByKind {
		if errors.Is(err, e.kind) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c *gin.Context, err error) {
	status, code := StatusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, errorBody{Error: err.Error(), Code: code})
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, domain.Invalid("decode request", err))
		return false
	}
	return true
}

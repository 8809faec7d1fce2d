package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/liveclass/internal/app/orch"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

type handlers struct {
	orch    *orch.Orchestrator
	history History
}

func roomID(c *gin.Context) domain.RoomID { return domain.RoomID(c.Param("id")) }

type createRoomRequest struct {
	Name            string            `json:"name"`
	ScheduledAt     time.Time         `json:"scheduledAt"`
	MaxParticipants int               `json:"maxParticipants"`
	Config          domain.RoomConfig `json:"config"`
}

// createRoom makes the caller the instructor.
func (h *handlers) createRoom(c *gin.Context) {
	var req createRoomRequest
	if !bind(c, &req) {
		return
	}
	room, err := h.orch.Lifecycle.Create(c.Request.Context(), orch.CreateRoomRequest{
		Name:            req.Name,
		InstructorID:    caller(c),
		ScheduledAt:     req.ScheduledAt,
		MaxParticipants: req.MaxParticipants,
		Config:          req.Config,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *handlers) getRoom(c *gin.Context) {
	room, err := h.orch.Lifecycle.Get(c.Request.Context(), roomID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) listRooms(c *gin.Context) {
	instructor := domain.UserID(c.Query("instructor"))
	if instructor == "" {
		instructor = caller(c)
	}
	rooms, err := h.orch.Lifecycle.ListByInstructor(c.Request.Context(), instructor)
	if err != nil {
		writeError(c, err)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *handlers) startRoom(c *gin.Context) {
	room, err := h.orch.Lifecycle.Start(c.Request.Context(), roomID(c), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) endRoom(c *gin.Context) {
	room, err := h.orch.Lifecycle.End(c.Request.Context(), roomID(c), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) setRecording(c *gin.Context) {
	var req struct {
		Recording bool `json:"recording"`
	}
	if !bind(c, &req) {
		return
	}
	room, err := h.orch.Lifecycle.SetRecording(c.Request.Context(), roomID(c), caller(c), req.Recording)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *handlers) join(c *gin.Context) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	res, err := h.orch.Membership.Join(c.Request.Context(), roomID(c), orch.JoinRequest{UserID: caller(c), DisplayName: req.DisplayName})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.orch.Membership.Leave(c.Request.Context(), roomID(c), caller(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) kick(c *gin.Context) {
	if err := h.orch.Membership.Kick(c.Request.Context(), roomID(c), caller(c), domain.UserID(c.Param("uid"))); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listParticipants(c *gin.Context) {
	ps, err := h.orch.Membership.ListParticipants(c.Request.Context(), roomID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

func (h *handlers) updateMedia(c *gin.Context) {
	var upd domain.MediaUpdate
	if !bind(c, &upd) {
		return
	}
	p, err := h.orch.Membership.UpdateMedia(c.Request.Context(), roomID(c), caller(c), upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) participations(c *gin.Context) {
	ps, err := h.history.ListParticipationsByUser(c.Request.Context(), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if ps == nil {
		ps = []*domain.Participant{}
	}
	c.JSON(http.StatusOK, ps)
}

func (h *handlers) createTransport(c *gin.Context) {
	var req struct {
		Kind domain.TransportKind `json:"kind"`
	}
	if !bind(c, &req) {
		return
	}
	desc, err := h.orch.Broker.CreateTransport(c.Request.Context(), roomID(c), caller(c), req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

func (h *handlers) connectTransport(c *gin.Context) {
	var params core.NegotiationParameters
	if !bind(c, &params) {
		return
	}
	out, err := h.orch.Broker.ConnectTransport(c.Request.Context(), roomID(c), caller(c), c.Param("tid"), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) produce(c *gin.Context) {
	var req struct {
		Kind          domain.MediaKind   `json:"kind"`
		RTPParameters core.RTPParameters `json:"rtpParameters"`
	}
	if !bind(c, &req) {
		return
	}
	desc, err := h.orch.Broker.Produce(c.Request.Context(), roomID(c), caller(c), c.Param("tid"), req.Kind, req.RTPParameters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// consume answers {"consumer": null} when the caller cannot decode the producer.
func (h *handlers) consume(c *gin.Context) {
	var req struct {
		ProducerID      string               `json:"producerId"`
		RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
	}
	if !bind(c, &req) {
		return
	}
	desc, err := h.orch.Broker.Consume(c.Request.Context(), roomID(c), caller(c), c.Param("tid"), req.ProducerID, req.RTPCapabilities)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumer": desc})
}

func (h *handlers) resumeConsumer(c *gin.Context) {
	if err := h.orch.Broker.ResumeConsumer(c.Request.Context(), roomID(c), caller(c), c.Param("cid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) closeProducer(c *gin.Context) {
	if err := h.orch.Broker.CloseProducer(c.Request.Context(), roomID(c), caller(c), c.Param("pid")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

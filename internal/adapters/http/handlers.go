package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/meetsfu/internal/app/orch"
	"github.com/dkeye/meetsfu/internal/core"
	"github.com/dkeye/meetsfu/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type roomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

type roomsHandler struct {
	orch *orch.Orchestrator
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *roomsHandler) list(c *gin.Context) {
	c.JSON(http.StatusOK, roomsResponse{Rooms: h.orch.RoomsSnapshot()})
}

func (h *roomsHandler) detail(c *gin.Context) {
	meeting, err := domain.ValidateMeetingID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: domain.Code(err)})
		return
	}
	d, err := h.orch.RoomDetail(meeting)
	if errors.Is(err, domain.ErrUnknownMeeting) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "room not found", Code: domain.Code(err)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: domain.Code(err)})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *roomsHandler) kick(c *gin.Context) {
	meeting := domain.MeetingID(c.Param("id"))
	conn := domain.ConnID(c.Param("sid"))
	if !h.orch.KickFromRoom(meeting, conn) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "member not found", Code: domain.Code(domain.ErrUnknownPeer)})
		return
	}
	c.Status(http.StatusNoContent)
}

package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/colorific/internal/common"
	"github.com/suPer8Hu/colorific/internal/httpapi/middleware"
)

// QueueEvents streams the caller's queue transitions over a websocket.
func (h *Handler) QueueEvents(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Unauthorized(c)
		return
	}
	if h.Hub == nil || !h.Hub.Ready() {
		common.Fail(c, http.StatusServiceUnavailable, "Live updates unavailable")
		return
	}
	// the upgrader has already answered the client on error
	if err := h.Hub.Serve(c.Writer, c.Request, uid); err != nil {
		log.Printf("[QueueEvents] upgrade failed user=%s err=%v", uid, err)
	}
}

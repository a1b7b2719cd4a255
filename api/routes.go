package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ChatRelay/service/chat"
	"ChatRelay/service/storage"
	"ChatRelay/store"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/security"
)

// API is the REST surface next to the WebSocket. Everything here is a
// thin veneer over the same server methods the socket handlers use.
type API struct {
	srv    *chat.Server
	mirror *storage.Redis // optional
}

func New(srv *chat.Server, mirror *storage.Redis) *API {
	return &API{srv: srv, mirror: mirror}
}

func (a *API) Mount(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/api/token", a.issueToken)
	r.GET("/ws", a.srv.HandleWS)

	g := r.Group("/api", Auth(a.srv.AuthOptions()))
	g.POST("/messages", a.sendMessage)
	g.PUT("/messages/:id/read", a.markRead)
	g.PUT("/messages/:id", a.editMessage)
	g.DELETE("/messages/:id", a.deleteMessage)
	g.POST("/messages/:id/reactions", a.addReaction)
	g.DELETE("/messages/:id/reactions", a.removeReaction)
	g.GET("/conversations/:id/messages", a.history)
	g.GET("/presence/:user_id", a.presence)
}

// issueToken is the dev login: exchange a user id for a signed token.
// A real deployment fronts this with its identity provider.
func (a *API) issueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, exp, err := security.Generate(a.srv.AuthOptions(), req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": exp})
}

func (a *API) sendMessage(c *gin.Context) {
	var req chat.SendMessageData
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := a.srv.SendMessage(c.Request.Context(), userID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (a *API) markRead(c *gin.Context) {
	if err := a.srv.MarkRead(c.Request.Context(), c.Param("id"), userID(c), time.Now()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) editMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.srv.EditMessage(c.Request.Context(), userID(c), c.Param("id"), req.Content); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deleteMessage(c *gin.Context) {
	if err := a.srv.DeleteMessage(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) addReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.srv.AddReaction(c.Request.Context(), userID(c), c.Param("id"), req.Emoji); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) removeReaction(c *gin.Context) {
	emoji := c.Query("emoji")
	if emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji query parameter required"})
		return
	}
	if err := a.srv.RemoveReaction(c.Request.Context(), userID(c), c.Param("id"), emoji); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) history(c *gin.Context) {
	since, _ := strconv.ParseInt(c.DefaultQuery("since_seq", "0"), 10, 64)
	msgs, err := a.srv.History(c.Request.Context(), userID(c), c.Param("id"), since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// presence serves the mirror when redis is wired, else the local
// registry view.
func (a *API) presence(c *gin.Context) {
	target := c.Param("user_id")
	if a.mirror != nil {
		online, err := a.mirror.PresenceLookup(c.Request.Context(), target)
		if err != nil {
			fail(c, err)
			return
		}
		resp := gin.H{"user_id": target, "online": online}
		if !online {
			if ls, err := a.mirror.LastSeen(c.Request.Context(), target); err == nil && !ls.IsZero() {
				resp["last_seen_at"] = ls
			}
		}
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": target, "online": a.srv.Registry.IsOnline(target)})
}

func fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	status := http.StatusBadRequest
	switch errs.CodeOf(err) {
	case errs.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	case errs.CodeInvalidState:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errs.CodeOf(err)})
}

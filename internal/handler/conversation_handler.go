package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"ollama-chat-go/internal/middleware"
	"ollama-chat-go/internal/service"
	"ollama-chat-go/pkg/log"
)

// ConversationHandler 处理已登录用户的对话管理：列表、详情、重命名、删除、搜索和导出。
type ConversationHandler struct {
	conversationService service.ConversationService
	searchService       service.SearchService
	exportService       service.ExportService
}

// NewConversationHandler 创建一个新的 ConversationHandler 实例。
func NewConversationHandler(conversationService service.ConversationService, searchService service.SearchService, exportService service.ExportService) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		searchService:       searchService,
		exportService:       exportService,
	}
}

// TitleRequest 是创建和重命名对话的请求体。
type TitleRequest struct {
	Title string `json:"title"`
}

func respondNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": service.ErrConversationNotFound.Error()})
}

// conversationID 解析路径中的 :id。非法 id 与不存在的对话一样返回 404。
func conversationID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondNotFound(c)
		return 0, false
	}
	return uint(id), true
}

func (h *ConversationHandler) fail(c *gin.Context, op string, err error) {
	if errors.Is(err, service.ErrConversationNotFound) {
		respondNotFound(c)
		return
	}
	log.Errorw("conversation operation failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
}

// List 返回当前用户的全部对话，最新的在前。
func (h *ConversationHandler) List(c *gin.Context) {
	user := middleware.CurrentUser(c)
	list, err := h.conversationService.List(c.Request.Context(), user.ID)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// Create 创建一个新对话，body 可以为空。
func (h *ConversationHandler) Create(c *gin.Context) {
	var req TitleRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	user := middleware.CurrentUser(c)
	conv, err := h.conversationService.Create(c.Request.Context(), user.ID, req.Title)
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	log.Infof("conversation %d created for user %d", conv.ID, user.ID)
	c.JSON(http.StatusOK, gin.H{"id": conv.ID, "title": conv.Title, "created_at": conv.CreatedAt})
}

// Detail 返回对话及其按时间排序的消息。
func (h *ConversationHandler) Detail(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	detail, err := h.conversationService.Get(c.Request.Context(), middleware.CurrentUser(c).ID, id)
	if err != nil {
		h.fail(c, "detail", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// Rename 修改对话标题，空白标题保持原样。
func (h *ConversationHandler) Rename(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req TitleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title, err := h.conversationService.Rename(c.Request.Context(), middleware.CurrentUser(c).ID, id, req.Title)
	if err != nil {
		h.fail(c, "rename", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "title": title})
}

// Delete 删除对话及其全部消息。
func (h *ConversationHandler) Delete(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	if err := h.conversationService.Delete(c.Request.Context(), middleware.CurrentUser(c).ID, id); err != nil {
		h.fail(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Search 在当前用户的消息中做全文搜索。
func (h *ConversationHandler) Search(c *gin.Context) {
	query := c.Query("q")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	hits, err := h.searchService.Search(c.Request.Context(), middleware.CurrentUser(c).ID, query, limit)
	if err != nil {
		h.fail(c, "search", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": hits})
}

// Export 上传对话记录并返回临时下载地址。
func (h *ConversationHandler) Export(c *gin.Context) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	res, err := h.exportService.Export(c.Request.Context(), middleware.CurrentUser(c).ID, id)
	if err != nil {
		if errors.Is(err, service.ErrExportDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.fail(c, "export", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"archive-chat-go/internal/config"
	"archive-chat-go/pkg/kafka"
	"archive-chat-go/pkg/log"
	"archive-chat-go/pkg/storage"
	"archive-chat-go/pkg/tasks"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DocumentHandler 负责文档入库任务的受理。
type DocumentHandler struct{}

// NewDocumentHandler 创建一个新的 DocumentHandler。
func NewDocumentHandler() *DocumentHandler {
	return &DocumentHandler{}
}

// ingestRequest 是入库请求体。对象本身需要事先已存入对象存储。
type ingestRequest struct {
	StorageKey   string `json:"storageKey" binding:"required"`
	Title        string `json:"title" binding:"required"`
	CollectionID string `json:"collectionId"`
	AuthoredAt   string `json:"authoredAt"` // "2006-01-02"，可选
}

// Ingest 处理 POST /documents/ingest：把入库任务投递到消息队列，
// 由后台消费者异步完成抽取、分块、向量化与索引。
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求参数", "data": nil})
		return
	}
	if req.CollectionID == "" {
		req.CollectionID = config.Conf.Chat.DefaultCollection
	}

	task := tasks.DocumentIngestTask{
		StorageKey:   req.StorageKey,
		Title:        req.Title,
		CollectionID: req.CollectionID,
		AuthoredAt:   req.AuthoredAt,
	}
	if err := kafka.ProduceIngestTask(task); err != nil {
		log.Errorf("投递入库任务失败, storageKey=%s: %v", req.StorageKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "投递入库任务失败", "data": nil})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "success", "data": gin.H{"storageKey": req.StorageKey}})
}

// Upload 处理 POST /documents/upload：接收 multipart 文件，存入对象存储后
// 投递入库任务。存储键由服务端生成，保证集合内唯一。
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少上传文件", "data": nil})
		return
	}
	title := c.PostForm("title")
	if title == "" {
		title = fileHeader.Filename
	}
	collectionID := c.PostForm("collectionId")
	if collectionID == "" {
		collectionID = config.Conf.Chat.DefaultCollection
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}

	storageKey := fmt.Sprintf("%s/%s-%s", collectionID, uuid.New().String(), fileHeader.Filename)
	contentType := fileHeader.Header.Get("Content-Type")
	if err := storage.PutObject(c.Request.Context(), config.Conf.MinIO.BucketName, storageKey, data, contentType); err != nil {
		log.Errorf("上传对象失败, storageKey=%s: %v", storageKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "存储上传文件失败", "data": nil})
		return
	}

	task := tasks.DocumentIngestTask{
		StorageKey:   storageKey,
		Title:        title,
		CollectionID: collectionID,
		AuthoredAt:   c.PostForm("authoredAt"),
	}
	if err := kafka.ProduceIngestTask(task); err != nil {
		log.Errorf("投递入库任务失败, storageKey=%s: %v", storageKey, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "投递入库任务失败", "data": nil})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "success", "data": gin.H{"storageKey": storageKey}})
}

// Download 处理 GET /documents/download?storageKey=...：
// 返回一个限时预签名下载地址，客户端直连对象存储取回原件。
func (h *DocumentHandler) Download(c *gin.Context) {
	storageKey := c.Query("storageKey")
	if storageKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少查询参数 storageKey", "data": nil})
		return
	}

	url, err := storage.GetPresignedURL(config.Conf.MinIO.BucketName, storageKey, 15*time.Minute)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "生成下载地址失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"url": url}})
}

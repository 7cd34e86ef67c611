package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/middlewares"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	msgRecoveryNotFound = "Recovery Not Found!"
	msgJournalNotFound  = "Journal Not Found!"
	msgUnauthorized     = "You are not an authorized person!"
	msgInsertFailed     = "Insert failed"
	msgDeleteFailed     = "Delete failed"
	msgRemoveFailed     = "Remove failed"
	msgPdfNotFound      = "PDF not Found"
	msgLoadFailed       = "Load failed"
	msgBusy             = "Record is being updated, please try again"
)

type recoveryService interface {
	Get(ctx context.Context, recoveryID int, actor models.Actor) (*models.RecoveryView, error)
	List(ctx context.Context, actor models.Actor) ([]models.RecoveryView, error)
	Upsert(ctx context.Context, recoveryID int, requester models.Actor, input *models.NewRecovery) (int, error)
	AddDocuments(ctx context.Context, recoveryID int, requester models.Actor, files [][]byte, docNames []string) error
	GetDocument(ctx context.Context, recoveryID int, docName string, actor models.Actor) ([]byte, error)
}

type journalService interface {
	Get(ctx context.Context, journalID int, actor models.Actor) (*models.JournalView, error)
	List(ctx context.Context, actor models.Actor) ([]models.JournalView, error)
	Upsert(ctx context.Context, journalID int, requester models.Actor, input *models.NewJournal) (int, error)
	Delete(ctx context.Context, journalID int, requester models.Actor) error
	UpdateRecoverables(ctx context.Context, journalID int, requester models.Actor, recoveryIDs []int, jvAmount decimal.Decimal) error
}

type itemCategoryService interface {
	List(ctx context.Context, actor models.Actor) ([]models.ItemCategory, error)
}

type handlers struct {
	recoveries recoveryService
	journals   journalService
	categories itemCategoryService
}

// respondError logs err and replies with the fixed message of its category.
// failure is the message for store and transaction failures.
func respondError(c *gin.Context, funcName string, err error, notFound, failure string) {
	switch {
	case errors.Is(err, utils.ErrorUnauthorized):
		c.JSON(http.StatusUnauthorized, msgUnauthorized)
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusBadRequest, notFound)
	case errors.Is(err, utils.ErrorValidation):
		c.JSON(http.StatusBadRequest, err.Error())
	case errors.Is(err, utils.ErrorConflict):
		c.JSON(http.StatusConflict, msgBusy)
	default:
		correlationID, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(config.GetLogger(), "handlers", funcName, c.Request.URL.Path, correlationID, err)
		c.JSON(http.StatusInternalServerError, failure)
	}
}

func actorOf(c *gin.Context) (models.Actor, bool) {
	actor, ok := middlewares.ActorFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, msgUnauthorized)
	}
	return actor, ok
}

func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *handlers) getRecovery(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "recoveryID")
	if !ok {
		return
	}
	view, err := h.recoveries.Get(c.Request.Context(), id, actor)
	if err != nil {
		respondError(c, "getRecovery", err, msgRecoveryNotFound, msgLoadFailed)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) listRecoveries(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	views, err := h.recoveries.List(c.Request.Context(), actor)
	if err != nil {
		respondError(c, "listRecoveries", err, msgRecoveryNotFound, msgLoadFailed)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *handlers) upsertRecovery(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "recoveryID")
	if !ok {
		return
	}
	var input models.NewRecovery
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, err.Error())
		return
	}
	recoveryID, err := h.recoveries.Upsert(c.Request.Context(), id, actor, &input)
	if err != nil {
		respondError(c, "upsertRecovery", err, msgRecoveryNotFound, msgInsertFailed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recoveryID": recoveryID})
}

func (h *handlers) getDocument(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "recoveryID")
	if !ok {
		return
	}
	content, err := h.recoveries.GetDocument(c.Request.Context(), id, c.Param("docName"), actor)
	if err != nil {
		respondError(c, "getDocument", err, msgPdfNotFound, msgPdfNotFound)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(content), content)
}

// documentUpload is the JSON form of an upload: files is one string or a
// list of them, data is a JSON object (or a string holding one) with the
// matching docNames.
type documentUpload struct {
	Files json.RawMessage `json:"files"`
	Data  json.RawMessage `json:"data"`
}

type documentNames struct {
	DocNames []string `json:"docNames"`
}

func parseDocNames(raw []byte) ([]string, error) {
	var names documentNames
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = []byte(encoded)
	}
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, utils.NewValidationError("data must hold docNames")
	}
	return names.DocNames, nil
}

func parseJSONUpload(body []byte) ([][]byte, []string, error) {
	var upload documentUpload
	if err := json.Unmarshal(body, &upload); err != nil {
		return nil, nil, utils.NewValidationError("malformed upload body")
	}
	docNames, err := parseDocNames(upload.Data)
	if err != nil {
		return nil, nil, err
	}

	var single string
	if err := json.Unmarshal(upload.Files, &single); err == nil {
		return [][]byte{[]byte(single)}, docNames, nil
	}
	var many []string
	if err := json.Unmarshal(upload.Files, &many); err != nil {
		return nil, nil, utils.NewValidationError("files must be a string or a list of strings")
	}
	files := make([][]byte, len(many))
	for i, f := range many {
		files[i] = []byte(f)
	}
	return files, docNames, nil
}

func parseMultipartUpload(form *multipart.Form) ([][]byte, []string, error) {
	headers := form.File["files"]
	var docNames []string
	if data := form.Value["data"]; len(data) > 0 {
		names, err := parseDocNames([]byte(data[0]))
		if err != nil {
			return nil, nil, err
		}
		docNames = names
	} else {
		for _, fh := range headers {
			docNames = append(docNames, fh.Filename)
		}
	}

	files := make([][]byte, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, nil, err
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}
		files = append(files, content)
	}
	return files, docNames, nil
}

func (h *handlers) addDocuments(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "recoveryID")
	if !ok {
		return
	}

	var (
		files    [][]byte
		docNames []string
		err      error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, ferr := c.MultipartForm()
		if ferr != nil {
			c.JSON(http.StatusBadRequest, ferr.Error())
			return
		}
		files, docNames, err = parseMultipartUpload(form)
	} else {
		body, rerr := io.ReadAll(c.Request.Body)
		if rerr != nil {
			c.JSON(http.StatusBadRequest, rerr.Error())
			return
		}
		files, docNames, err = parseJSONUpload(body)
	}
	if err == nil {
		err = h.recoveries.AddDocuments(c.Request.Context(), id, actor, files, docNames)
	}
	if err != nil {
		respondError(c, "addDocuments", err, msgRecoveryNotFound, msgInsertFailed)
		return
	}
	c.JSON(http.StatusOK, "Successful")
}

func (h *handlers) getJournal(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "journalID")
	if !ok {
		return
	}
	view, err := h.journals.Get(c.Request.Context(), id, actor)
	if err != nil {
		respondError(c, "getJournal", err, msgJournalNotFound, msgLoadFailed)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handlers) listJournals(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	views, err := h.journals.List(c.Request.Context(), actor)
	if err != nil {
		respondError(c, "listJournals", err, msgJournalNotFound, msgLoadFailed)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *handlers) upsertJournal(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "journalID")
	if !ok {
		return
	}
	var input models.NewJournal
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, err.Error())
		return
	}
	journalID, err := h.journals.Upsert(c.Request.Context(), id, actor, &input)
	if err != nil {
		respondError(c, "upsertJournal", err, msgJournalNotFound, msgInsertFailed)
		return
	}
	c.JSON(http.StatusOK, gin.H{"journalID": journalID})
}

func (h *handlers) deleteJournal(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "journalID")
	if !ok {
		return
	}
	if err := h.journals.Delete(c.Request.Context(), id, actor); err != nil {
		respondError(c, "deleteJournal", err, msgJournalNotFound, msgDeleteFailed)
		return
	}
	c.JSON(http.StatusOK, "successful")
}

type recoverablesInput struct {
	RecoveryIDs []int           `json:"recoveryIDs"`
	JvAmount    decimal.Decimal `json:"jvAmount"`
}

func (h *handlers) updateRecoverables(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "journalID")
	if !ok {
		return
	}
	var input recoverablesInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, err.Error())
		return
	}
	if err := h.journals.UpdateRecoverables(c.Request.Context(), id, actor, input.RecoveryIDs, input.JvAmount); err != nil {
		respondError(c, "updateRecoverables", err, msgJournalNotFound, msgRemoveFailed)
		return
	}
	c.JSON(http.StatusOK, "successful")
}

func (h *handlers) listItemCategories(c *gin.Context) {
	actor, ok := actorOf(c)
	if !ok {
		return
	}
	categories, err := h.categories.List(c.Request.Context(), actor)
	if err != nil {
		respondError(c, "listItemCategories", err, msgLoadFailed, msgLoadFailed)
		return
	}
	c.JSON(http.StatusOK, categories)
}

// register mounts every recoveries route on g.
func (h *handlers) register(g *gin.RouterGroup) {
	g.GET("/backup-documents/:recoveryID/:docName", h.getDocument)
	g.POST("/backup-documents/:recoveryID", h.addDocuments)

	g.GET("/journal/:journalID", h.getJournal)
	g.GET("/journals", h.listJournals)
	g.GET("/journals/", h.listJournals)
	g.POST("/journals/:journalID", h.upsertJournal)
	g.DELETE("/journals/:journalID", h.deleteJournal)

	g.POST("/recoverable/:journalID", h.updateRecoverables)

	g.GET("/item-categories", h.listItemCategories)

	g.GET("/:recoveryID", h.getRecovery)
	g.GET("/", h.listRecoveries)
	g.POST("/:recoveryID", h.upsertRecovery)
}

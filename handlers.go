package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/vendhubdata/recon_backend/config"
	"bitbucket.org/vendhubdata/recon_backend/models"
	"bitbucket.org/vendhubdata/recon_backend/utils"
	"bitbucket.org/vendhubdata/recon_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

type apiHandlers struct {
	engine     *workflow.Engine
	normalizer *workflow.Normalizer
}

// uploadFile registers one batch file: multipart field "file" plus the
// declared "file_type". Headers for classification come from the optional
// "headers" form value (JSON array) or are read out of the file itself.
func (api *apiHandlers) uploadFile(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not open uploaded file"})
		return
	}
	defer src.Close()
	raw, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read uploaded file"})
		return
	}

	declared := models.SourceKindUnknown
	if v := c.PostForm("file_type"); v != "" {
		declared, err = models.KindFromRequest(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown file_type: " + v})
			return
		}
	}

	var headers []string
	if v := c.PostForm("headers"); v != "" {
		if err := json.Unmarshal([]byte(v), &headers); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "headers must be a JSON string array"})
			return
		}
	}
	if len(headers) == 0 {
		headers = extractHeaders(raw)
	}

	file, err := models.RegisterSourceFile(c.Request.Context(), raw, declared, fileHeader.Filename, headers)
	switch {
	case errors.Is(err, utils.ErrorDuplicateFile):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "file": file})
	case errors.Is(err, utils.ErrorSchemaMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "file": file})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, file)
	}
}

type ingestRequest struct {
	Rows []json.RawMessage `json:"rows" binding:"required"`
}

// ingestRecords accepts one batch of typed rows for a registered file and
// runs them through normalization and matching.
func (api *apiHandlers) ingestRecords(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must carry a 'rows' array"})
		return
	}
	file, err := models.GetSourceFile(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := utils.SetBatchIdInContext(c.Request.Context(), uuid.NewString())
	result, err := api.normalizer.NormalizeBatch(ctx, file, req.Rows)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (api *apiHandlers) listFileProgress(c *gin.Context) {
	out, err := models.ListFileProgress(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (api *apiHandlers) fileProgress(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	out, err := models.GetFileProgress(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (api *apiHandlers) listOrders(c *gin.Context) {
	filter := models.OrderFilter{
		OrderNumber: c.Query("order_number"),
		MachineCode: c.Query("machine_code"),
		Quality:     models.MatchQuality(c.Query("quality")),
		Limit:       intQuery(c, "limit"),
		Offset:      intQuery(c, "offset"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "'from' must be RFC3339"})
			return
		}
		filter.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "'to' must be RFC3339"})
			return
		}
		filter.To = t
	}
	if v := c.Query("temporary"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "'temporary' must be a boolean"})
			return
		}
		filter.Temporary = &b
	}
	out, err := models.ListUnifiedOrders(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (api *apiHandlers) getOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	order, err := models.GetUnifiedOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (api *apiHandlers) orderChanges(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	if _, err := models.GetUnifiedOrder(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	changes, err := models.GetOrderChanges(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, changes)
}

func (api *apiHandlers) orderQuality(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	order, err := models.GetUnifiedOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	cfg := config.LoadMatchingConfig()
	if api.engine != nil {
		cfg = api.engine.Cfg
	}
	c.JSON(http.StatusOK, models.ValidateOrderQuality(order, cfg))
}

func (api *apiHandlers) problematicOrders(c *gin.Context) {
	out, err := models.ListProblematicOrders(c.Request.Context(), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (api *apiHandlers) listErrors(c *gin.Context) {
	filter := models.OrderErrorFilter{
		ErrorType:    models.OrderErrorType(c.Query("error_type")),
		Severity:     models.ErrorSeverity(c.Query("severity")),
		Status:       models.ResolutionStatus(c.Query("status")),
		SourceFileID: intQuery(c, "source_file_id"),
		OrderNumber:  c.Query("order_number"),
		Limit:        intQuery(c, "limit"),
	}
	out, err := models.ListOrderErrors(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type resolveRequest struct {
	Status     models.ResolutionStatus `json:"status"`
	ResolvedBy string                  `json:"resolved_by" binding:"required"`
	Note       string                  `json:"note"`
}

func (api *apiHandlers) resolveError(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolved_by is required"})
		return
	}
	if req.Status == "" {
		req.Status = models.ResolutionStatusResolved
	}
	ctx := utils.SetResolverInContext(c.Request.Context(), req.ResolvedBy)
	out, err := models.ResolveOrderError(ctx, id, req.Status, req.ResolvedBy, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (api *apiHandlers) completeness(c *gin.Context) {
	out, err := models.AnalyzeCompleteness(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func pathID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, errors.New("bad id")
	}
	return id, nil
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorDuplicateFile), errors.Is(err, utils.ErrorConcurrentUpdate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorSchemaMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// extractHeaders pulls the header row out of raw file bytes: the first row
// of the first sheet for xlsx, the first delimited line for text.
func extractHeaders(raw []byte) []string {
	if bytes.HasPrefix(raw, []byte("PK")) {
		book, err := excelize.OpenReader(bytes.NewReader(raw))
		if err != nil {
			return nil
		}
		defer book.Close()
		sheets := book.GetSheetList()
		if len(sheets) == 0 {
			return nil
		}
		rows, err := book.Rows(sheets[0])
		if err != nil {
			return nil
		}
		defer rows.Close()
		if rows.Next() {
			cols, err := rows.Columns()
			if err == nil {
				return cols
			}
		}
		return nil
	}

	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	text := strings.TrimSpace(strings.TrimPrefix(string(line), "\xef\xbb\xbf"))
	if text == "" {
		return nil
	}
	delimiter := ","
	bestCount := 0
	for _, d := range []string{",", ";", "\t", "|"} {
		if n := strings.Count(text, d); n > bestCount {
			delimiter, bestCount = d, n
		}
	}
	parts := strings.Split(text, delimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `"`))
	}
	return out
}
